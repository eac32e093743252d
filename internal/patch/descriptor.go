// Package patch applies signature-anchored field edits to files and records
// the pre-images needed to reverse them.
package patch

import (
	"errors"
	"fmt"

	"github.com/lundberg/sigpatch/internal/signature"
)

// Descriptor is one requested modification of one target file.
type Descriptor struct {
	Name       string // identity used in errors and logs, e.g. "KOTOR/p1"
	TargetFile string
	Signature  signature.Signature
	Occurrence int // 1-based, earliest match first
	Fields     []Field
	UndoFile   string
}

// Validate checks the descriptor is complete. It does not touch the
// filesystem.
func (d Descriptor) Validate() error {
	if d.Signature.IsZero() {
		return &Error{Kind: ErrInvalidSignature, Descriptor: d.Name, Err: errors.New("no signature")}
	}
	var problem error
	switch {
	case d.TargetFile == "":
		problem = errors.New("no target file")
	case d.UndoFile == "":
		problem = errors.New("no undo file")
	case d.Occurrence < 1:
		problem = fmt.Errorf("occurrence %d must be at least 1", d.Occurrence)
	case len(d.Fields) == 0:
		problem = errors.New("no fields")
	}
	for _, f := range d.Fields {
		if problem == nil && f.Offset < 0 {
			problem = fmt.Errorf("negative %s offset %d", f.Axis, f.Offset)
		}
	}
	if problem != nil {
		return &Error{Kind: ErrInvalidDescriptor, Descriptor: d.Name, Path: d.TargetFile, Err: problem}
	}
	return nil
}

// PatchSet is an ordered list of descriptors applied together as one patch.
type PatchSet struct {
	Name        string
	Details     string
	CheckFile   string
	Descriptors []Descriptor
}

// UndoFiles returns the distinct undo files of the set in descriptor order.
func (s PatchSet) UndoFiles() []string {
	var files []string
	seen := make(map[string]bool)
	for _, d := range s.Descriptors {
		if !seen[d.UndoFile] {
			seen[d.UndoFile] = true
			files = append(files, d.UndoFile)
		}
	}
	return files
}
