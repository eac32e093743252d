package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// State is the progress of one descriptor through Apply.
type State int

const (
	Pending   State = iota
	Matched         // signature found, fields validated
	Written         // fields written to the in-memory copy
	Recorded        // pre-images synced to the undo file
	Committed       // target file rewritten
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Matched:
		return "matched"
	case Written:
		return "written"
	case Recorded:
		return "recorded"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Edit reports what Apply did for one descriptor.
type Edit struct {
	Descriptor string
	TargetFile string
	UndoFile   string
	Position   int // signature match position
	Writes     []PreImage
	State      State
}

// AppliedSet is the result of a successful Apply. UndoFiles lists the undo
// files written, in the order they were last written to.
type AppliedSet struct {
	Name      string
	Edits     []Edit
	UndoFiles []string
}

// Location is the diagnostic result of Locate for one descriptor. Selected
// is the position Apply would use, or -1.
type Location struct {
	Descriptor string
	TargetFile string
	Occurrence int
	Positions  []int
	Selected   int
}

// Executor applies and undoes patch sets. Operations are serialised: only one
// Apply or Undo runs at a time per Executor.
type Executor struct {
	logger *slog.Logger
	ledger *Ledger
	mu     sync.Mutex
}

// NewExecutor returns an Executor logging to logger. A nil logger discards.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{
		logger: logger,
		ledger: NewLedger(logger),
	}
}

// Ledger returns the executor's undo ledger.
func (e *Executor) Ledger() *Ledger {
	return e.ledger
}

// Apply applies every descriptor of set in order.
//
// Each distinct target file is read once and every signature is located in
// the unmodified contents before anything is written, so a missing signature,
// an out of bounds field or a missing value fails the whole set with no file
// touched. Descriptors are then committed one at a time: fields are written
// in memory, their pre-images synced to the undo file, and only then is the
// target file replaced. If a commit fails, every undo file written by this
// call is restored before the error is returned.
//
// ctx is only consulted before the commit phase; commits are not cancelled.
func (e *Executor) Apply(ctx context.Context, set PatchSet, values Values) (*AppliedSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(set.Descriptors) == 0 {
		return nil, &Error{Kind: ErrInvalidDescriptor, Descriptor: set.Name, Err: errors.New("empty patch set")}
	}
	for _, d := range set.Descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, err := os.Stat(d.UndoFile); err == nil {
			return nil, &Error{Kind: ErrUndoExists, Descriptor: d.Name, Path: d.UndoFile, Err: errors.New("undo the previous patch first")}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, ioError(d.Name, d.UndoFile, err)
		}
	}

	targets, files, err := loadTargets(ctx, set.Descriptors)
	if err != nil {
		return nil, err
	}

	e.logger.Info("applying patch set", "name", set.Name, "descriptors", len(set.Descriptors))

	edits := make([]Edit, len(set.Descriptors))
	for i, d := range set.Descriptors {
		edits[i] = Edit{Descriptor: d.Name, TargetFile: targets[i], UndoFile: d.UndoFile, State: Pending}
		buf := files[targets[i]]

		pos, found := d.Signature.Index(buf, d.Occurrence)
		if pos < 0 {
			return nil, &Error{
				Kind:       ErrSignatureNotFound,
				Descriptor: d.Name,
				Path:       d.TargetFile,
				Requested:  d.Occurrence,
				Found:      found,
			}
		}
		for _, f := range d.Fields {
			if err := f.Check(len(buf), pos, values); err != nil {
				return nil, annotate(err, d)
			}
		}
		edits[i].Position = pos
		edits[i].State = Matched
		e.logger.Debug("matched", "descriptor", d.Name, "file", d.TargetFile, "position", pos)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	applied := &AppliedSet{Name: set.Name}
	for i, d := range set.Descriptors {
		err := e.commit(d, &edits[i], files[targets[i]], values, applied)
		if err == nil {
			continue
		}
		edits[i].State = Failed
		e.logger.Warn("patch failed, rolling back", "descriptor", d.Name, "error", err, "undo_files", len(applied.UndoFiles))
		if rbErr := e.rollback(applied.UndoFiles); rbErr != nil {
			return nil, errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return nil, err
	}

	applied.Edits = edits
	e.logger.Info("patch set applied", "name", set.Name)
	return applied, nil
}

// commit moves one matched descriptor through Written, Recorded and
// Committed. buf is the working copy of the target, shared by every
// descriptor that targets the same file.
func (e *Executor) commit(d Descriptor, edit *Edit, buf []byte, values Values, applied *AppliedSet) error {
	recs := make([]Record, 0, len(d.Fields))
	for _, f := range d.Fields {
		img, err := f.Apply(buf, edit.Position, values)
		if err != nil {
			return annotate(err, d)
		}
		edit.Writes = append(edit.Writes, img)
		recs = append(recs, Record{
			Descriptor: d.Name,
			File:       edit.TargetFile,
			Position:   img.Position,
			Original:   img.Original,
			Patched:    img.Patched,
		})
	}
	edit.State = Written

	fresh := !slices.Contains(applied.UndoFiles, d.UndoFile)
	if err := e.ledger.Record(d.UndoFile, recs...); err != nil {
		if fresh {
			// nothing in it was committed; do not leave a half written ledger
			if os.Remove(d.UndoFile) == nil {
				syncDir(filepath.Dir(d.UndoFile))
			}
		}
		return annotate(err, d)
	}
	applied.UndoFiles = slices.DeleteFunc(applied.UndoFiles, func(s string) bool { return s == d.UndoFile })
	applied.UndoFiles = append(applied.UndoFiles, d.UndoFile)
	edit.State = Recorded

	if err := writeFileAtomic(edit.TargetFile, buf); err != nil {
		return ioError(d.Name, edit.TargetFile, err)
	}
	edit.State = Committed

	for _, w := range edit.Writes {
		e.logger.Info("patched", "descriptor", d.Name, "file", d.TargetFile,
			"position", fmt.Sprintf("%#x", w.Position),
			"original", fmt.Sprintf("% X", w.Original),
			"patched", fmt.Sprintf("% X", w.Patched))
	}
	return nil
}

func (e *Executor) rollback(undoFiles []string) error {
	var errs []error
	for i := len(undoFiles) - 1; i >= 0; i-- {
		if err := e.ledger.Restore(undoFiles[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Undo restores undoFiles in reverse order, newest patch first, stopping at
// the first failure. Undoing an already restored undo file fails with
// ErrUndoUnavailable.
func (e *Executor) Undo(ctx context.Context, undoFiles []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(undoFiles) == 0 {
		return undoError("", errors.New("no undo files given"))
	}
	for i := len(undoFiles) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.ledger.Restore(undoFiles[i]); err != nil {
			return err
		}
	}
	return nil
}

// UndoSet undoes the undo files named by set's descriptors.
func (e *Executor) UndoSet(ctx context.Context, set PatchSet) error {
	return e.Undo(ctx, set.UndoFiles())
}

// Locate reports every signature match of every descriptor without writing
// anything. A descriptor whose signature is absent is not an error here.
func (e *Executor) Locate(ctx context.Context, set PatchSet) ([]Location, error) {
	for _, d := range set.Descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	targets, files, err := loadTargets(ctx, set.Descriptors)
	if err != nil {
		return nil, err
	}

	locs := make([]Location, len(set.Descriptors))
	for i, d := range set.Descriptors {
		positions := d.Signature.Locate(files[targets[i]])
		selected := -1
		if d.Occurrence <= len(positions) {
			selected = positions[d.Occurrence-1]
		}
		locs[i] = Location{
			Descriptor: d.Name,
			TargetFile: d.TargetFile,
			Occurrence: d.Occurrence,
			Positions:  positions,
			Selected:   selected,
		}
	}
	return locs, nil
}

// loadTargets reads each distinct target file once. It returns the absolute
// target path of every descriptor and the contents keyed by that path.
func loadTargets(ctx context.Context, descriptors []Descriptor) ([]string, map[string][]byte, error) {
	targets := make([]string, len(descriptors))
	var paths []string
	for i, d := range descriptors {
		abs, err := filepath.Abs(d.TargetFile)
		if err != nil {
			return nil, nil, ioError(d.Name, d.TargetFile, err)
		}
		targets[i] = abs
		if !slices.Contains(paths, abs) {
			paths = append(paths, abs)
		}
	}

	contents := make([][]byte, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := os.ReadFile(p)
			if err != nil {
				return ioError("", p, err)
			}
			contents[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	files := make(map[string][]byte, len(paths))
	for i, p := range paths {
		files[p] = contents[i]
	}
	return targets, files, nil
}

// annotate fills in the descriptor context on errors from Field and Ledger.
func annotate(err error, d Descriptor) error {
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Descriptor == "" {
			perr.Descriptor = d.Name
		}
		if perr.Path == "" {
			perr.Path = d.TargetFile
		}
	}
	return err
}
