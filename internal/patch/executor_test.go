package patch

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/lundberg/sigpatch/internal/signature"
)

// resolutionDescriptor patches the 640x480 pair found by resolutionBuffer.
func resolutionDescriptor(name, target, undo string) Descriptor {
	return Descriptor{
		Name:       name,
		TargetFile: target,
		Signature:  signature.MustParse("80020000C701E0010000", "0000110000"),
		Occurrence: 1,
		Fields: []Field{
			{Axis: AxisX, Offset: 0, Source: Dynamic},
			{Axis: AxisY, Offset: 6, Source: Dynamic},
		},
		UndoFile: undo,
	}
}

func TestApplyUndo_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	before := resolutionBuffer()
	target := writeTarget(t, dir, "game.exe", before)
	undo := filepath.Join(dir, "game.undo")

	set := PatchSet{Name: "game", Descriptors: []Descriptor{resolutionDescriptor("game", target, undo)}}
	e := NewExecutor(nil)

	applied, err := e.Apply(context.Background(), set, Resolution(1024, 768))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(applied.Edits) != 1 || applied.Edits[0].State != Committed {
		t.Fatalf("expected one committed edit, got %+v", applied.Edits)
	}
	if applied.Edits[0].Position != 100 {
		t.Errorf("expected match at 100, got %d", applied.Edits[0].Position)
	}
	if !reflect.DeepEqual(applied.UndoFiles, []string{undo}) {
		t.Errorf("expected undo files [%s], got %v", undo, applied.UndoFiles)
	}

	got := readFile(t, target)
	if !bytes.Equal(got[100:102], []byte{0x00, 0x04}) || !bytes.Equal(got[106:108], []byte{0x00, 0x03}) {
		t.Errorf("unexpected patched bytes: % X", got[100:110])
	}

	if err := e.Undo(context.Background(), applied.UndoFiles); err != nil {
		t.Fatalf("unexpected undo error: %v", err)
	}
	if got := readFile(t, target); !bytes.Equal(got, before) {
		t.Error("target not byte-identical after undo")
	}

	err = e.Undo(context.Background(), applied.UndoFiles)
	if !errors.Is(err, ErrUndoUnavailable) {
		t.Errorf("expected ErrUndoUnavailable on second undo, got %v", err)
	}
	if got := readFile(t, target); !bytes.Equal(got, before) {
		t.Error("second undo changed the target")
	}
}

func TestApply_FixedOverridesValue(t *testing.T) {
	dir := t.TempDir()
	target := writeTarget(t, dir, "game.exe", resolutionBuffer())

	d := resolutionDescriptor("game", target, filepath.Join(dir, "game.undo"))
	d.Fields = []Field{{Axis: AxisX, Offset: 0, Source: Fixed(0)}}

	_, err := NewExecutor(nil).Apply(context.Background(), PatchSet{Descriptors: []Descriptor{d}}, Resolution(1920, 1080))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := readFile(t, target); !bytes.Equal(got[100:102], []byte{0x00, 0x00}) {
		t.Errorf("expected fixed 0, got % X", got[100:102])
	}
}

func TestApply_SecondDescriptorNotFound(t *testing.T) {
	dir := t.TempDir()
	before := resolutionBuffer()
	target := writeTarget(t, dir, "game.exe", before)

	missing := resolutionDescriptor("game/p1", target, filepath.Join(dir, "game.undo2"))
	missing.Signature = signature.MustParse("DEADBEEF", "0000")

	set := PatchSet{Name: "game", Descriptors: []Descriptor{
		resolutionDescriptor("game", target, filepath.Join(dir, "game.undo1")),
		missing,
	}}

	_, err := NewExecutor(nil).Apply(context.Background(), set, Resolution(1024, 768))
	if !errors.Is(err, ErrSignatureNotFound) {
		t.Fatalf("expected ErrSignatureNotFound, got %v", err)
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Descriptor != "game/p1" || perr.Requested != 1 || perr.Found != 0 {
		t.Errorf("expected descriptor context in error, got %#v", perr)
	}
	if got := readFile(t, target); !bytes.Equal(got, before) {
		t.Error("target changed after failed apply")
	}
	for _, name := range []string{"game.undo1", "game.undo2"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("expected no %s after failed apply", name)
		}
	}
}

func TestApply_OccurrenceTooHigh(t *testing.T) {
	dir := t.TempDir()
	before := resolutionBuffer()
	target := writeTarget(t, dir, "game.exe", before)

	d := resolutionDescriptor("game", target, filepath.Join(dir, "game.undo"))
	d.Occurrence = 2

	_, err := NewExecutor(nil).Apply(context.Background(), PatchSet{Descriptors: []Descriptor{d}}, Resolution(1024, 768))
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != ErrSignatureNotFound {
		t.Fatalf("expected ErrSignatureNotFound, got %v", err)
	}
	if perr.Requested != 2 || perr.Found != 1 {
		t.Errorf("expected requested 2 found 1, got %d %d", perr.Requested, perr.Found)
	}
	if got := readFile(t, target); !bytes.Equal(got, before) {
		t.Error("target changed")
	}
}

func TestApply_OutOfBoundsNoWrite(t *testing.T) {
	for _, offset := range []int64{99, math.MaxInt64 - 1, math.MaxInt64} {
		dir := t.TempDir()
		before := resolutionBuffer()
		target := writeTarget(t, dir, "game.exe", before)
		undo := filepath.Join(dir, "game.undo")

		d := resolutionDescriptor("game", target, undo)
		d.Fields = append(d.Fields, Field{Axis: AxisY, Offset: offset, Source: Dynamic})

		_, err := NewExecutor(nil).Apply(context.Background(), PatchSet{Descriptors: []Descriptor{d}}, Resolution(1024, 768))
		if !errors.Is(err, ErrOutOfBounds) {
			t.Fatalf("offset %d: expected ErrOutOfBounds, got %v", offset, err)
		}
		if got := readFile(t, target); !bytes.Equal(got, before) {
			t.Errorf("offset %d: target changed", offset)
		}
		if _, err := os.Stat(undo); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("offset %d: expected no undo file, got %v", offset, err)
		}
	}
}

func TestApply_MissingValue(t *testing.T) {
	dir := t.TempDir()
	target := writeTarget(t, dir, "game.exe", resolutionBuffer())

	d := resolutionDescriptor("game", target, filepath.Join(dir, "game.undo"))
	_, err := NewExecutor(nil).Apply(context.Background(), PatchSet{Descriptors: []Descriptor{d}}, Values{AxisX: 1024})
	if !errors.Is(err, ErrMissingValue) {
		t.Fatalf("expected ErrMissingValue, got %v", err)
	}
}

func TestApply_UndoExists(t *testing.T) {
	dir := t.TempDir()
	target := writeTarget(t, dir, "game.exe", resolutionBuffer())
	undo := filepath.Join(dir, "game.undo")
	set := PatchSet{Descriptors: []Descriptor{resolutionDescriptor("game", target, undo)}}
	e := NewExecutor(nil)

	if _, err := e.Apply(context.Background(), set, Resolution(1024, 768)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	patched := readFile(t, target)

	_, err := e.Apply(context.Background(), set, Resolution(800, 600))
	if !errors.Is(err, ErrUndoExists) {
		t.Fatalf("expected ErrUndoExists, got %v", err)
	}
	if got := readFile(t, target); !bytes.Equal(got, patched) {
		t.Error("target changed by refused apply")
	}
}

func TestApply_MatchesUnmodifiedContents(t *testing.T) {
	dir := t.TempDir()
	before := resolutionBuffer()
	target := writeTarget(t, dir, "game.exe", before)

	// the first descriptor overwrites bytes the second one's signature
	// needs; both must still match
	first := resolutionDescriptor("game", target, filepath.Join(dir, "game.undo1"))
	first.Fields = []Field{{Axis: AxisX, Offset: 0, Source: Fixed(0)}}
	second := resolutionDescriptor("game/p1", target, filepath.Join(dir, "game.undo2"))
	second.Fields = []Field{{Axis: AxisY, Offset: 6, Source: Dynamic}}

	set := PatchSet{Descriptors: []Descriptor{first, second}}
	e := NewExecutor(nil)
	applied, err := e.Apply(context.Background(), set, Resolution(1024, 768))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := readFile(t, target)
	want := bytes.Clone(before)
	copy(want[100:], []byte{0x00, 0x00})
	copy(want[106:], []byte{0x00, 0x03})
	if !bytes.Equal(got, want) {
		t.Errorf("unexpected contents % X", got[100:110])
	}

	if !reflect.DeepEqual(applied.UndoFiles, set.UndoFiles()) {
		t.Errorf("expected undo files %v, got %v", set.UndoFiles(), applied.UndoFiles)
	}
	if err := e.UndoSet(context.Background(), set); err != nil {
		t.Fatalf("unexpected undo error: %v", err)
	}
	if got := readFile(t, target); !bytes.Equal(got, before) {
		t.Error("target not restored")
	}
}

func TestApply_MultipleFiles(t *testing.T) {
	dir := t.TempDir()
	before := resolutionBuffer()
	exe := writeTarget(t, dir, "game.exe", before)
	dll := writeTarget(t, dir, "render.dll", before)

	set := PatchSet{Descriptors: []Descriptor{
		resolutionDescriptor("game", exe, filepath.Join(dir, "game.undo")),
		resolutionDescriptor("game/p1", dll, filepath.Join(dir, "render.undo")),
	}}
	e := NewExecutor(nil)
	if _, err := e.Apply(context.Background(), set, Resolution(1024, 768)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range []string{exe, dll} {
		if got := readFile(t, p); !bytes.Equal(got[100:102], []byte{0x00, 0x04}) {
			t.Errorf("%s not patched", p)
		}
	}
	if err := e.UndoSet(context.Background(), set); err != nil {
		t.Fatalf("unexpected undo error: %v", err)
	}
	for _, p := range []string{exe, dll} {
		if got := readFile(t, p); !bytes.Equal(got, before) {
			t.Errorf("%s not restored", p)
		}
	}
}

func TestApply_RollbackOnCommitFailure(t *testing.T) {
	dir := t.TempDir()
	before := resolutionBuffer()
	target := writeTarget(t, dir, "game.exe", before)

	// the second undo file cannot be created, so its descriptor fails after
	// the first one was committed
	set := PatchSet{Descriptors: []Descriptor{
		resolutionDescriptor("game", target, filepath.Join(dir, "game.undo")),
		resolutionDescriptor("game/p1", target, filepath.Join(dir, "no", "such", "dir", "game.undo")),
	}}

	_, err := NewExecutor(nil).Apply(context.Background(), set, Resolution(1024, 768))
	if !errors.Is(err, ErrIOFailure) {
		t.Fatalf("expected ErrIOFailure, got %v", err)
	}
	if got := readFile(t, target); !bytes.Equal(got, before) {
		t.Error("first descriptor not rolled back")
	}
	if _, err := os.Stat(filepath.Join(dir, "game.undo")); !errors.Is(err, fs.ErrNotExist) {
		t.Error("expected rolled back undo file removed")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if want := []string{"game.exe"}; !reflect.DeepEqual(names, want) {
		t.Errorf("expected only %v left in dir, got %v", want, names)
	}
}

func TestApply_Invalid(t *testing.T) {
	dir := t.TempDir()
	target := writeTarget(t, dir, "game.exe", resolutionBuffer())

	noFields := resolutionDescriptor("game", target, filepath.Join(dir, "game.undo"))
	noFields.Fields = nil
	zeroOccur := resolutionDescriptor("game", target, filepath.Join(dir, "game.undo"))
	zeroOccur.Occurrence = 0
	noSig := resolutionDescriptor("game", target, filepath.Join(dir, "game.undo"))
	noSig.Signature = signature.Signature{}

	tests := []struct {
		name string
		set  PatchSet
		want Kind
	}{
		{name: "empty set", set: PatchSet{}, want: ErrInvalidDescriptor},
		{name: "no fields", set: PatchSet{Descriptors: []Descriptor{noFields}}, want: ErrInvalidDescriptor},
		{name: "zero occurrence", set: PatchSet{Descriptors: []Descriptor{zeroOccur}}, want: ErrInvalidDescriptor},
		{name: "no signature", set: PatchSet{Descriptors: []Descriptor{noSig}}, want: ErrInvalidSignature},
		{
			name: "missing target",
			set:  PatchSet{Descriptors: []Descriptor{resolutionDescriptor("game", filepath.Join(dir, "gone.exe"), filepath.Join(dir, "gone.undo"))}},
			want: ErrIOFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExecutor(nil).Apply(context.Background(), tt.set, Resolution(1, 1))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestApply_CancelledBeforeCommit(t *testing.T) {
	dir := t.TempDir()
	before := resolutionBuffer()
	target := writeTarget(t, dir, "game.exe", before)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	set := PatchSet{Descriptors: []Descriptor{resolutionDescriptor("game", target, filepath.Join(dir, "game.undo"))}}
	_, err := NewExecutor(nil).Apply(ctx, set, Resolution(1024, 768))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := readFile(t, target); !bytes.Equal(got, before) {
		t.Error("target changed")
	}
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	buf := resolutionBuffer()
	copy(buf[150:], buf[100:110])
	target := writeTarget(t, dir, "game.exe", buf)

	d := resolutionDescriptor("game", target, filepath.Join(dir, "game.undo"))
	d.Occurrence = 2
	absent := resolutionDescriptor("game/p1", target, filepath.Join(dir, "game.undo"))
	absent.Signature = signature.MustParse("DEADBEEF", "")

	locs, err := NewExecutor(nil).Locate(context.Background(), PatchSet{Descriptors: []Descriptor{d, absent}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(locs[0].Positions, []int{100, 150}) || locs[0].Selected != 150 {
		t.Errorf("unexpected location %+v", locs[0])
	}
	if len(locs[1].Positions) != 0 || locs[1].Selected != -1 {
		t.Errorf("unexpected location %+v", locs[1])
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: ErrSignatureNotFound, Descriptor: "KOTOR/p4", Path: "swkotor.exe", Requested: 2, Found: 1}
	want := "KOTOR/p4: signature not found: swkotor.exe: occurrence 2 requested, 1 found"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
