// Package config assembles the lessonplayer configuration from command-line
// flags, with defaults taken from the environment and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "LESSONPLAYER_"

// Config holds the runtime configuration.
type Config struct {
	// BaseURL is the root under which <book>/<chapter>/ content is served.
	BaseURL string
	Book    string
	Chapter string

	Port int

	Volume    float64
	SeekDelay time.Duration
	Autoplay  bool

	PreloadTimeout  time.Duration
	FramesPerBuffer int

	// Language selects captions in the HLS export and logs.
	Language       string
	ProbeDurations bool

	// RaftID enables the replicated listening session when set.
	RaftID       string
	RaftBind     string
	Peers        []string
	RaftLogLevel string

	Verbose     bool
	ShowVersion bool
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Port:            8080,
		Volume:          1,
		SeekDelay:       300 * time.Millisecond,
		PreloadTimeout:  60 * time.Second,
		FramesPerBuffer: 1024,
		Language:        "en",
	}
}

// LoadEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// Parse builds a Config from args. Flag defaults come from LESSONPLAYER_*
// environment variables. Positional arguments are <book> <chapter>.
func Parse(name string, args []string, output io.Writer) (*Config, error) {
	cfg := Default()
	env := envReader{}

	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	fset.SetOutput(output)

	fset.StringVar(&cfg.BaseURL, "base-url", env.String("BASE_URL", cfg.BaseURL), "Root URL of the lesson content")
	fset.IntVar(&cfg.Port, "port", env.Int("PORT", cfg.Port), "HTTP server port")
	fset.Float64Var(&cfg.Volume, "volume", env.Float("VOLUME", cfg.Volume), "Initial volume in [0,1]")
	fset.DurationVar(&cfg.SeekDelay, "seek-delay", env.Duration("SEEK_DELAY", cfg.SeekDelay), "Pause before playback resumes after navigation")
	fset.BoolVar(&cfg.Autoplay, "autoplay", env.Bool("AUTOPLAY", cfg.Autoplay), "Start playing immediately")
	fset.DurationVar(&cfg.PreloadTimeout, "preload-timeout", env.Duration("PRELOAD_TIMEOUT", cfg.PreloadTimeout), "Maximum time to download a segment")
	fset.IntVar(&cfg.FramesPerBuffer, "frames-per-buffer", env.Int("FRAMES_PER_BUFFER", cfg.FramesPerBuffer), "Audio output buffer size in frames")
	fset.StringVar(&cfg.Language, "lang", env.String("LANG_TAG", cfg.Language), "Caption language tag")
	fset.BoolVar(&cfg.ProbeDurations, "probe-durations", env.Bool("PROBE_DURATIONS", cfg.ProbeDurations), "Decode every segment at startup to export exact HLS durations")
	fset.StringVar(&cfg.RaftID, "raft-id", env.String("RAFT_ID", cfg.RaftID), "Raft node ID (enables cluster mode)")
	fset.StringVar(&cfg.RaftBind, "raft-bind", env.String("RAFT_BIND", cfg.RaftBind), "Raft bind address (host:port)")
	peers := fset.String("peers", env.String("PEERS", ""), "Comma-separated Raft peer addresses, including this node")
	fset.StringVar(&cfg.RaftLogLevel, "raft-log-level", env.String("RAFT_LOG_LEVEL", cfg.RaftLogLevel), "Raft log level (empty disables Raft logs)")
	fset.BoolVar(&cfg.Verbose, "verbose", env.Bool("VERBOSE", cfg.Verbose), "Enable verbose logging")
	fset.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")

	fset.Usage = func() {
		fmt.Fprintf(output, "Usage: %s [options] <book> <chapter>\n\n", name)
		fmt.Fprintf(output, "Options (defaults may be set with %s* variables or a .env file):\n", EnvPrefix)
		fset.PrintDefaults()
		fmt.Fprintf(output, "\nExamples:\n")
		fmt.Fprintf(output, "  %s --base-url https://example.com/lessons harry-potter 1\n", name)
		fmt.Fprintf(output, "  %s --autoplay --raft-id node1 --raft-bind 127.0.0.1:7000 --peers 127.0.0.1:7000,127.0.0.1:7001 harry-potter 1\n", name)
	}

	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	if err := env.Err(); err != nil {
		return nil, err
	}

	cfg.Book = env.String("BOOK", "")
	cfg.Chapter = env.String("CHAPTER", "")
	if fset.NArg() > 0 {
		cfg.Book = fset.Arg(0)
	}
	if fset.NArg() > 1 {
		cfg.Chapter = fset.Arg(1)
	}

	cfg.Peers = splitList(*peers)

	return &cfg, nil
}

// Validate checks that the configuration can start a player.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base URL must be http or https, got %q", c.BaseURL)
	}
	if c.Book == "" || c.Chapter == "" {
		return fmt.Errorf("book and chapter are required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Volume < 0 || c.Volume > 1 {
		return fmt.Errorf("volume must be between 0 and 1")
	}
	if c.SeekDelay < 0 {
		return fmt.Errorf("seek delay must not be negative")
	}
	if c.PreloadTimeout <= 0 {
		return fmt.Errorf("preload timeout must be positive")
	}
	if c.FramesPerBuffer < 1 {
		return fmt.Errorf("frames per buffer must be at least 1")
	}
	if c.Clustered() {
		if c.RaftBind == "" {
			return fmt.Errorf("--raft-bind is required in cluster mode")
		}
		if len(c.Peers) == 0 {
			return fmt.Errorf("--peers is required in cluster mode")
		}
	}
	return nil
}

// Clustered reports whether the replicated listening session is enabled.
func (c *Config) Clustered() bool {
	return c.RaftID != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envReader reads prefixed variables and remembers the first malformed one.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, key, value, err)
	}
}

func (e *envReader) Err() error { return e.err }

func (e *envReader) String(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *envReader) Int(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) Float(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *envReader) Bool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *envReader) Duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}
