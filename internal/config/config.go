// Package config loads patch definitions from an INI file and turns them into
// patch sets.
//
// The file has an [Apps] section listing the patchable applications in order
// (a0, a1, ...) followed by one section per application:
//
//	[Apps]
//	version = 1.0
//	a0 = Star Wars: Knights of the Old Republic
//
//	[Star Wars: Knights of the Old Republic]
//	details = "Shown to the user before patching."
//	checkfile = swkotor.exe
//	modfile = swkotor.exe
//	undofile = swkotora.undo1
//	sig = 3D20030000EFEFEFEFEFEF58020000
//	sigwild = 000001111110000
//	xoffset = 1
//	yoffset = 11
//	occur = 1
//	p1modfile = swkotor.exe
//	p1sig = ...
//
// Keys prefixed p1, p2, ... describe further edits of the same patch and are
// applied after the unprefixed edit in ascending order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/lundberg/sigpatch/internal/patch"
	"github.com/lundberg/sigpatch/internal/signature"
)

const appsSection = "Apps"

var (
	// ErrMissingKey is wrapped when a required key is absent.
	ErrMissingKey = errors.New("missing key")
	// ErrBadValue is wrapped when a key's value cannot be parsed.
	ErrBadValue = errors.New("bad value")
	// ErrUnknownApp is wrapped when an application has no section.
	ErrUnknownApp = errors.New("unknown app")
	// ErrCheckFile is wrapped when the check file is not in the game directory.
	ErrCheckFile = errors.New("check file not found")
)

var (
	appKeyRe    = regexp.MustCompile(`^a(\d+)$`)
	prefixKeyRe = regexp.MustCompile(`^p(\d+)(modfile|undofile|sigwild|sig|xoffset|yoffset|occur|setx|sety)$`)
)

// Config is a loaded patch definition file.
type Config struct {
	Version string
	Apps    []string // in a<N> order
	file    *ini.File
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses the contents of a patch definition file.
func Parse(data []byte) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		SpaceBeforeInlineComment:  true,
		UnescapeValueDoubleQuotes: true,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	apps, err := f.GetSection(appsSection)
	if err != nil {
		return nil, fmt.Errorf("[%s]: %w", appsSection, ErrMissingKey)
	}
	if !apps.HasKey("version") {
		return nil, fmt.Errorf("[%s] version: %w", appsSection, ErrMissingKey)
	}

	type indexed struct {
		n    int
		name string
	}
	var list []indexed
	for _, k := range apps.Keys() {
		m := appKeyRe.FindStringSubmatch(k.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("[%s] %s: %w", appsSection, k.Name(), ErrBadValue)
		}
		list = append(list, indexed{n: n, name: k.String()})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].n < list[j].n })

	cfg := &Config{
		Version: apps.Key("version").String(),
		file:    f,
	}
	for _, a := range list {
		cfg.Apps = append(cfg.Apps, a.name)
	}
	return cfg, nil
}

// App is one patchable application.
type App struct {
	Name      string
	Details   string
	CheckFile string
	Entries   []Entry // unprefixed entry first, then p1, p2, ...
}

// Entry is one edit of an App as written in the file.
type Entry struct {
	Prefix    string // "" or "p<N>"
	ModFile   string
	UndoFile  string
	Signature signature.Signature
	XOffset   *int64
	YOffset   *int64
	Occur     int
	SetX      *uint16
	SetY      *uint16
}

// App parses the section for the named application.
func (c *Config) App(name string) (*App, error) {
	sec, err := c.file.GetSection(name)
	if err != nil || name == appsSection {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownApp)
	}

	app := &App{
		Name:      name,
		Details:   sec.Key("details").String(),
		CheckFile: sec.Key("checkfile").String(),
	}

	// any p<N> key declares entry N; its required keys are checked by parseEntry
	seen := map[int]bool{}
	var prefixes []int
	for _, k := range sec.Keys() {
		m := prefixKeyRe.FindStringSubmatch(k.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || strconv.Itoa(n) != m[1] {
			return nil, fmt.Errorf("[%s] %s: %w", name, k.Name(), ErrBadValue)
		}
		if !seen[n] {
			seen[n] = true
			prefixes = append(prefixes, n)
		}
	}
	sort.Ints(prefixes)

	entry, err := parseEntry(sec, "")
	if err != nil {
		return nil, err
	}
	app.Entries = append(app.Entries, entry)
	for _, n := range prefixes {
		entry, err := parseEntry(sec, "p"+strconv.Itoa(n))
		if err != nil {
			return nil, err
		}
		app.Entries = append(app.Entries, entry)
	}
	return app, nil
}

// field reads prefixed keys of one entry.
type field struct {
	sec    *ini.Section
	prefix string
}

func (f field) name(key string) string {
	return f.prefix + key
}

func (f field) has(key string) bool {
	return f.sec.HasKey(f.name(key))
}

func (f field) errorf(key string, err error) error {
	return fmt.Errorf("[%s] %s: %w", f.sec.Name(), f.name(key), err)
}

func (f field) required(key string) (string, error) {
	if !f.has(key) {
		return "", f.errorf(key, ErrMissingKey)
	}
	return f.sec.Key(f.name(key)).String(), nil
}

func (f field) offset(key string) (*int64, error) {
	if !f.has(key) {
		return nil, nil
	}
	v, err := f.sec.Key(f.name(key)).Int64()
	if err != nil || v < 0 {
		return nil, f.errorf(key, fmt.Errorf("%w: %q is not a non-negative integer", ErrBadValue, f.sec.Key(f.name(key)).String()))
	}
	return &v, nil
}

func (f field) fixed(key string) (*uint16, error) {
	if !f.has(key) {
		return nil, nil
	}
	raw := f.sec.Key(f.name(key)).String()
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return nil, f.errorf(key, fmt.Errorf("%w: %q is not a 16-bit value", ErrBadValue, raw))
	}
	u := uint16(v)
	return &u, nil
}

func parseEntry(sec *ini.Section, prefix string) (Entry, error) {
	f := field{sec: sec, prefix: prefix}
	e := Entry{Prefix: prefix, Occur: 1}
	var err error

	if e.ModFile, err = f.required("modfile"); err != nil {
		return Entry{}, err
	}
	e.UndoFile = sec.Key(f.name("undofile")).String()
	if e.UndoFile == "" {
		if prefix == "" {
			e.UndoFile = e.ModFile + ".undo"
		} else {
			e.UndoFile = e.ModFile + "." + prefix + ".undo"
		}
	}

	sig, err := f.required("sig")
	if err != nil {
		return Entry{}, err
	}
	wild, err := f.required("sigwild")
	if err != nil {
		return Entry{}, err
	}
	if e.Signature, err = signature.Parse(sig, wild); err != nil {
		return Entry{}, &patch.Error{
			Kind:       patch.ErrInvalidSignature,
			Descriptor: entryName(sec.Name(), prefix),
			Err:        f.errorf("sig", err),
		}
	}

	if e.XOffset, err = f.offset("xoffset"); err != nil {
		return Entry{}, err
	}
	if e.YOffset, err = f.offset("yoffset"); err != nil {
		return Entry{}, err
	}
	if e.XOffset == nil && e.YOffset == nil {
		return Entry{}, f.errorf("xoffset", fmt.Errorf("%w: need xoffset or yoffset", ErrMissingKey))
	}

	if f.has("occur") {
		e.Occur, err = sec.Key(f.name("occur")).Int()
		if err != nil || e.Occur < 1 {
			return Entry{}, f.errorf("occur", fmt.Errorf("%w: %q is not a positive integer", ErrBadValue, sec.Key(f.name("occur")).String()))
		}
	}

	if e.SetX, err = f.fixed("setx"); err != nil {
		return Entry{}, err
	}
	if e.SetY, err = f.fixed("sety"); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func entryName(app, prefix string) string {
	if prefix == "" {
		return app
	}
	return app + "/" + prefix
}

// Descriptor builds the edit descriptor for e, resolving file names against
// dir.
func (e Entry) Descriptor(app, dir string) patch.Descriptor {
	d := patch.Descriptor{
		Name:       entryName(app, e.Prefix),
		TargetFile: filepath.Join(dir, e.ModFile),
		Signature:  e.Signature,
		Occurrence: e.Occur,
		UndoFile:   filepath.Join(dir, e.UndoFile),
	}
	if e.XOffset != nil {
		d.Fields = append(d.Fields, patch.Field{Axis: patch.AxisX, Offset: *e.XOffset, Source: source(e.SetX)})
	}
	if e.YOffset != nil {
		d.Fields = append(d.Fields, patch.Field{Axis: patch.AxisY, Offset: *e.YOffset, Source: source(e.SetY)})
	}
	return d
}

func source(set *uint16) patch.ValueSource {
	if set == nil {
		return patch.Dynamic
	}
	return patch.Fixed(*set)
}

// PatchSet builds the patch set for a, resolving file names against dir.
func (a *App) PatchSet(dir string) patch.PatchSet {
	set := patch.PatchSet{
		Name:      a.Name,
		Details:   a.Details,
		CheckFile: a.CheckFile,
	}
	for _, e := range a.Entries {
		set.Descriptors = append(set.Descriptors, e.Descriptor(a.Name, dir))
	}
	return set
}

// Check reports whether a's check file is present in dir. The name is
// compared case-insensitively. An App without a check file always passes.
func (a *App) Check(dir string) error {
	if a.CheckFile == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading game directory: %w", err)
	}
	for _, de := range entries {
		if !de.IsDir() && strings.EqualFold(de.Name(), a.CheckFile) {
			return nil
		}
	}
	return fmt.Errorf("%s in %s: %w", a.CheckFile, dir, ErrCheckFile)
}
