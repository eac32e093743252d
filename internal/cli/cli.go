// Package cli handles command-line argument parsing and configuration.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/xyproto/env/v2"

	"github.com/lundberg/sigpatch/internal/patch"
)

// ErrHelp is returned when --help is requested.
var ErrHelp = errors.New("help requested")

// Commands.
const (
	CmdList    = "list"
	CmdShow    = "show"
	CmdLocate  = "locate"
	CmdApply   = "apply"
	CmdUndo    = "undo"
	CmdRestore = "restore"
	CmdServe   = "serve"
)

// Config holds the parsed CLI configuration.
type Config struct {
	Command    string
	App        string   // show, locate, apply, undo
	UndoFiles  []string // restore
	ConfigPath string
	Dir        string
	Width      int // 0 when not supplied
	Height     int
	LogLevel   slog.Level
	Port       int
	Host       string
}

const usageHeader = `Usage: sigpatch [flags] <command> [args]

Patch resolution values into game executables by byte signature.

Commands:
  list                  list the applications in the config file
  show <app>            show an application's patch descriptors
  locate <app>          report where each signature matches
  apply <app>           apply an application's patches
  undo <app>            restore the files patched by apply
  restore <undofile>... restore from undo files directly
  serve                 serve the JSON API

Flags:
`

// flags holds pointers to flag values, used to share between
// newFlagSet and ParseArgs without duplicating definitions.
type flags struct {
	configPath string
	dir        string
	width      int
	height     int
	logLevel   string
	port       int
	host       string
}

func newFlagSet(f *flags) *flag.FlagSet {
	fs := flag.NewFlagSet("sigpatch", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", env.Str("SIGPATCH_CONFIG", "patches.ini"), "patch definition file ($SIGPATCH_CONFIG)")
	fs.StringVar(&f.dir, "dir", env.Str("SIGPATCH_DIR", "."), "game directory ($SIGPATCH_DIR)")
	fs.IntVar(&f.width, "width", 0, "horizontal resolution (0 = not supplied)")
	fs.IntVar(&f.height, "height", 0, "vertical resolution (0 = not supplied)")
	fs.StringVar(&f.logLevel, "log-level", env.Str("SIGPATCH_LOG_LEVEL", "info"), "log level: debug, info, warn or error ($SIGPATCH_LOG_LEVEL)")
	fs.IntVar(&f.port, "port", 0, "HTTP server port for serve (0 = auto)")
	fs.StringVar(&f.host, "host", "localhost", "HTTP server host for serve")
	return fs
}

// ParseArgs parses command-line arguments into a Config.
func ParseArgs(args []string) (*Config, error) {
	var f flags
	fs := newFlagSet(&f)
	fs.SetOutput(io.Discard)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, err
	}

	if f.width < 0 || f.width > 65535 {
		return nil, fmt.Errorf("invalid width: %d (must be 0-65535)", f.width)
	}
	if f.height < 0 || f.height > 65535 {
		return nil, fmt.Errorf("invalid height: %d (must be 0-65535)", f.height)
	}
	if f.port < 0 || f.port > 65535 {
		return nil, fmt.Errorf("invalid port: %d (must be 0-65535)", f.port)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", f.logLevel, err)
	}

	cfg := &Config{
		ConfigPath: f.configPath,
		Dir:        f.dir,
		Width:      f.width,
		Height:     f.height,
		LogLevel:   level,
		Port:       f.port,
		Host:       f.host,
	}

	positional := fs.Args()
	if len(positional) == 0 {
		return nil, errors.New("missing command")
	}
	cfg.Command, positional = positional[0], positional[1:]

	switch cfg.Command {
	case CmdList, CmdServe:
		if len(positional) != 0 {
			return nil, fmt.Errorf("%s: too many arguments: expected 0, got %d", cfg.Command, len(positional))
		}
	case CmdShow, CmdLocate, CmdApply, CmdUndo:
		if len(positional) != 1 {
			return nil, fmt.Errorf("%s: expected 1 app name, got %d arguments", cfg.Command, len(positional))
		}
		cfg.App = positional[0]
	case CmdRestore:
		if len(positional) == 0 {
			return nil, fmt.Errorf("%s: expected at least 1 undo file", cfg.Command)
		}
		cfg.UndoFiles = positional
	default:
		return nil, fmt.Errorf("unknown command %q", cfg.Command)
	}

	return cfg, nil
}

// Values returns the resolution values supplied on the command line.
func (c *Config) Values() patch.Values {
	values := patch.Values{}
	if c.Width > 0 {
		values[patch.AxisX] = uint16(c.Width)
	}
	if c.Height > 0 {
		values[patch.AxisY] = uint16(c.Height)
	}
	return values
}

// PrintUsage writes usage information to w.
func PrintUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, usageHeader)
	var f flags
	fs := newFlagSet(&f)
	fs.SetOutput(w)
	fs.PrintDefaults()
}
