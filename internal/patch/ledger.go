package patch

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// HexBytes is a byte slice stored in the undo file as a hex string.
type HexBytes []byte

// MarshalYAML implements yaml.Marshaler.
func (h HexBytes) MarshalYAML() (interface{}, error) {
	return strings.ToUpper(hex.EncodeToString(h)), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *HexBytes) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*h = b
	return nil
}

// Record is one field write as persisted in an undo file.
type Record struct {
	Descriptor string   `yaml:"descriptor,omitempty"`
	File       string   `yaml:"file"`
	Position   int64    `yaml:"position"`
	Original   HexBytes `yaml:"original"`
	Patched    HexBytes `yaml:"patched"`
}

func (r Record) validate() error {
	switch {
	case r.File == "":
		return errors.New("record without file")
	case r.Position < 0:
		return fmt.Errorf("negative position %d", r.Position)
	case len(r.Original) == 0:
		return fmt.Errorf("record at %#x has no original bytes", r.Position)
	case len(r.Original) != len(r.Patched):
		return fmt.Errorf("record at %#x has %d original but %d patched bytes", r.Position, len(r.Original), len(r.Patched))
	}
	return nil
}

// Ledger persists pre-images to undo files and replays them. An undo file is
// a stream of YAML documents, one Record each, appended in write order.
type Ledger struct {
	logger *slog.Logger
}

// NewLedger returns a Ledger logging to logger. A nil logger discards.
func NewLedger(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{logger: logger}
}

// Record appends recs to undoFile and syncs it to stable storage before
// returning. The caller must not commit the matching target write until
// Record has returned without error.
func (l *Ledger) Record(undoFile string, recs ...Record) error {
	var buf bytes.Buffer
	for _, r := range recs {
		if err := r.validate(); err != nil {
			return ioError(r.Descriptor, undoFile, err)
		}
		doc, err := yaml.Marshal(r)
		if err != nil {
			return ioError(r.Descriptor, undoFile, err)
		}
		buf.WriteString("---\n")
		buf.Write(doc)
	}

	var size int64
	info, statErr := os.Stat(undoFile)
	created := errors.Is(statErr, os.ErrNotExist)
	if statErr == nil {
		size = info.Size()
	}

	f, err := os.OpenFile(undoFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return ioError("", undoFile, err)
	}
	if err := appendSynced(f, size, buf.Bytes()); err != nil {
		_ = f.Close()
		return ioError("", undoFile, err)
	}
	if err := f.Close(); err != nil {
		return ioError("", undoFile, err)
	}
	if created {
		syncDir(filepath.Dir(undoFile))
	}

	l.logger.Debug("recorded pre-images", "undo", undoFile, "records", len(recs))
	return nil
}

// syncFile is the part of *os.File that appendSynced needs.
type syncFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
}

// appendSynced writes data to f, opened for append at size bytes, and syncs
// it. On failure f is cut back to size so earlier records stay readable.
func appendSynced(f syncFile, size int64, data []byte) error {
	_, err := f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		if terr := f.Truncate(size); terr != nil {
			return errors.Join(err, fmt.Errorf("truncate: %w", terr))
		}
		return err
	}
	return nil
}

// Read returns every record in undoFile. A missing, empty or malformed undo
// file is reported as ErrUndoUnavailable.
func (l *Ledger) Read(undoFile string) ([]Record, error) {
	f, err := os.Open(undoFile)
	if err != nil {
		return nil, undoError(undoFile, err)
	}
	defer f.Close()

	var recs []Record
	dec := yaml.NewDecoder(f)
	for {
		var r Record
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, undoError(undoFile, fmt.Errorf("corrupt undo file: %w", err))
		}
		if err := r.validate(); err != nil {
			return nil, undoError(undoFile, fmt.Errorf("corrupt undo file: %w", err))
		}
		recs = append(recs, r)
	}
	if len(recs) == 0 {
		return nil, undoError(undoFile, errors.New("no records"))
	}
	return recs, nil
}

// Restore writes every pre-image in undoFile back into its target file and
// then deletes undoFile. Records are replayed newest first so overlapping
// writes unwind in the right order. Before anything is written the current
// bytes under each record must equal either its patched or its original
// bytes; otherwise the target has changed since the patch and Restore fails
// with ErrUndoUnavailable leaving every target untouched.
func (l *Ledger) Restore(undoFile string) error {
	recs, err := l.Read(undoFile)
	if err != nil {
		return err
	}

	var order []string
	byFile := make(map[string][]Record)
	for _, r := range recs {
		if _, ok := byFile[r.File]; !ok {
			order = append(order, r.File)
		}
		byFile[r.File] = append(byFile[r.File], r)
	}

	restored := make(map[string][]byte, len(order))
	for _, file := range order {
		data, err := os.ReadFile(file)
		if err != nil {
			return ioError("", file, err)
		}
		orig := bytes.Clone(data)
		fileRecs := byFile[file]
		for i := len(fileRecs) - 1; i >= 0; i-- {
			r := fileRecs[i]
			if r.Position > int64(len(data))-int64(len(r.Original)) {
				return undoError(undoFile, fmt.Errorf("%s: record at %#x past end of %d byte file", file, r.Position, len(data)))
			}
			cur := data[r.Position : r.Position+int64(len(r.Original))]
			if !bytes.Equal(cur, r.Patched) && !bytes.Equal(cur, r.Original) {
				return undoError(undoFile, fmt.Errorf("%s: bytes at %#x are % X, expected % X", file, r.Position, cur, []byte(r.Patched)))
			}
			copy(cur, r.Original)
		}
		if !bytes.Equal(orig, data) {
			restored[file] = data
		}
	}

	for _, file := range order {
		data, ok := restored[file]
		if !ok {
			l.logger.Debug("target already unpatched", "file", file)
			continue
		}
		if err := writeFileAtomic(file, data); err != nil {
			return ioError("", file, err)
		}
		l.logger.Info("restored", "file", file, "records", len(byFile[file]))
	}

	if err := os.Remove(undoFile); err != nil {
		return ioError("", undoFile, err)
	}
	syncDir(filepath.Dir(undoFile))
	return nil
}
