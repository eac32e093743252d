// Package server exposes patch sets over a small JSON API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lundberg/sigpatch/internal/config"
	"github.com/lundberg/sigpatch/internal/patch"
)

// Server is the HTTP server that serves the API endpoints.
type Server struct {
	config *config.Config
	dir    string
	exec   *patch.Executor
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a new server patching files under dir.
func New(cfg *config.Config, dir string, exec *patch.Executor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		config: cfg,
		dir:    dir,
		exec:   exec,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the http.Handler (useful for testing).
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/apps", s.handleApps)
	s.mux.HandleFunc("GET /api/apps/{name}", s.handleApp)
	s.mux.HandleFunc("GET /api/apps/{name}/locate", s.handleLocate)
	s.mux.HandleFunc("POST /api/apps/{name}/apply", s.handleApply)
	s.mux.HandleFunc("POST /api/apps/{name}/undo", s.handleUndo)
}

// AppSummary is one entry of GET /api/apps.
type AppSummary struct {
	Name    string `json:"name"`
	Details string `json:"details,omitempty"`
}

// AppView is the response of GET /api/apps/{name}.
type AppView struct {
	Name        string           `json:"name"`
	Details     string           `json:"details,omitempty"`
	CheckFile   string           `json:"checkfile,omitempty"`
	Descriptors []DescriptorView `json:"descriptors"`
}

// DescriptorView describes one descriptor of an app.
type DescriptorView struct {
	Name       string      `json:"name"`
	TargetFile string      `json:"target"`
	UndoFile   string      `json:"undofile"`
	Signature  string      `json:"signature"`
	Mask       string      `json:"mask"`
	Occurrence int         `json:"occurrence"`
	Fields     []FieldView `json:"fields"`
}

// FieldView describes one field of a descriptor.
type FieldView struct {
	Axis   string `json:"axis"`
	Offset int64  `json:"offset"`
	Source string `json:"source"`
}

// LocationView is one entry of GET /api/apps/{name}/locate.
type LocationView struct {
	Descriptor string `json:"descriptor"`
	TargetFile string `json:"target"`
	Occurrence int    `json:"occurrence"`
	Positions  []int  `json:"positions"`
	Selected   int    `json:"selected"`
}

// ApplyRequest is the body of POST /api/apps/{name}/apply.
type ApplyRequest struct {
	Width  uint16 `json:"width"`
	Height uint16 `json:"height"`
}

// WriteView is one field write reported by apply.
type WriteView struct {
	Position int64  `json:"position"`
	Original string `json:"original"`
	Patched  string `json:"patched"`
}

// EditView reports what apply did for one descriptor.
type EditView struct {
	Descriptor string      `json:"descriptor"`
	TargetFile string      `json:"target"`
	UndoFile   string      `json:"undofile"`
	Position   int         `json:"position"`
	State      string      `json:"state"`
	Writes     []WriteView `json:"writes"`
}

// ApplyResponse is the response of POST /api/apps/{name}/apply.
type ApplyResponse struct {
	Name      string     `json:"name"`
	Edits     []EditView `json:"edits"`
	UndoFiles []string   `json:"undofiles"`
}

// UndoResponse is the response of POST /api/apps/{name}/undo.
type UndoResponse struct {
	Name      string   `json:"name"`
	UndoFiles []string `json:"undofiles"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	apps := []AppSummary{}
	for _, name := range s.config.Apps {
		app, err := s.config.App(name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		apps = append(apps, AppSummary{Name: app.Name, Details: app.Details})
	}
	writeJSON(w, apps)
}

func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.config.App(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	set := app.PatchSet(s.dir)
	view := AppView{
		Name:        app.Name,
		Details:     app.Details,
		CheckFile:   app.CheckFile,
		Descriptors: []DescriptorView{},
	}
	for _, d := range set.Descriptors {
		dv := DescriptorView{
			Name:       d.Name,
			TargetFile: d.TargetFile,
			UndoFile:   d.UndoFile,
			Signature:  d.Signature.Hex(),
			Mask:       d.Signature.Mask(),
			Occurrence: d.Occurrence,
		}
		for _, f := range d.Fields {
			dv.Fields = append(dv.Fields, FieldView{Axis: f.Axis.String(), Offset: f.Offset, Source: f.Source.String()})
		}
		view.Descriptors = append(view.Descriptors, dv)
	}
	writeJSON(w, view)
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	app, err := s.config.App(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	locs, err := s.exec.Locate(r.Context(), app.PatchSet(s.dir))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]LocationView, 0, len(locs))
	for _, l := range locs {
		positions := l.Positions
		if positions == nil {
			positions = []int{}
		}
		views = append(views, LocationView{
			Descriptor: l.Descriptor,
			TargetFile: l.TargetFile,
			Occurrence: l.Occurrence,
			Positions:  positions,
			Selected:   l.Selected,
		})
	}
	writeJSON(w, views)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	app, err := s.config.App(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := app.Check(s.dir); err != nil {
		s.writeError(w, err)
		return
	}

	values := patch.Values{}
	if req.Width > 0 {
		values[patch.AxisX] = req.Width
	}
	if req.Height > 0 {
		values[patch.AxisY] = req.Height
	}

	applied, err := s.exec.Apply(r.Context(), app.PatchSet(s.dir), values)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := ApplyResponse{Name: applied.Name, Edits: []EditView{}, UndoFiles: applied.UndoFiles}
	for _, e := range applied.Edits {
		ev := EditView{
			Descriptor: e.Descriptor,
			TargetFile: e.TargetFile,
			UndoFile:   e.UndoFile,
			Position:   e.Position,
			State:      e.State.String(),
		}
		for _, pi := range e.Writes {
			ev.Writes = append(ev.Writes, WriteView{
				Position: pi.Position,
				Original: fmt.Sprintf("%X", pi.Original),
				Patched:  fmt.Sprintf("%X", pi.Patched),
			})
		}
		resp.Edits = append(resp.Edits, ev)
	}
	s.logger.Info("applied over http", "app", app.Name, "width", req.Width, "height", req.Height)
	writeJSON(w, resp)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	app, err := s.config.App(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	set := app.PatchSet(s.dir)
	if err := s.exec.UndoSet(r.Context(), set); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("undone over http", "app", app.Name)
	writeJSON(w, UndoResponse{Name: app.Name, UndoFiles: set.UndoFiles()})
}

// statusFor maps an error to the HTTP status reported for it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, config.ErrUnknownApp):
		return http.StatusNotFound
	case errors.Is(err, patch.ErrUndoExists), errors.Is(err, patch.ErrUndoUnavailable):
		return http.StatusConflict
	case errors.Is(err, patch.ErrIOFailure):
		return http.StatusInternalServerError
	case errors.Is(err, patch.ErrSignatureNotFound),
		errors.Is(err, patch.ErrInvalidSignature),
		errors.Is(err, patch.ErrOutOfBounds),
		errors.Is(err, patch.ErrMissingValue),
		errors.Is(err, patch.ErrInvalidDescriptor),
		errors.Is(err, config.ErrMissingKey),
		errors.Is(err, config.ErrBadValue),
		errors.Is(err, config.ErrCheckFile):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorStatus(w, statusFor(err), err)
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("request failed", "status", status, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
