package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/calvinalkan/hlld/internal/hll"
)

// LogLevel is one of the syslog-style levels accepted by log_level.
type LogLevel string

const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarn     LogLevel = "WARN"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

// Global holds the server-wide [hlld] section of the config file, per
// spec §6.
type Global struct {
	TCPPort         uint16
	UDPPort         uint16 // reserved, never bound; spec §9 Open Questions
	BindAddress     string
	DataDir         string
	LogLevel        LogLevel
	Workers         int
	FlushInterval   int // seconds; 0 disables
	ColdInterval    int // seconds; 0 disables
	InMemory        bool
	UseMmap         bool // selects Shared vs Private bitmap backing
	DefaultEPS      float64
	DefaultPrecision uint8
}

// DefaultGlobal returns the documented defaults from spec §6.
func DefaultGlobal() Global {
	g := Global{
		TCPPort:          4553,
		UDPPort:          4554,
		BindAddress:      "0.0.0.0",
		DataDir:          "/tmp/hlld",
		LogLevel:         LogInfo,
		Workers:          4,
		FlushInterval:    60,
		ColdInterval:     60,
		InMemory:         false,
		UseMmap:          true,
		DefaultPrecision: 14,
	}
	g.DefaultEPS = hll.ErrorForPrecision(g.DefaultPrecision)

	return g
}

// ErrInvalidConfig wraps every validation failure in LoadGlobal/validate.
var ErrInvalidConfig = errors.New("config: invalid")

// LoadGlobal parses and validates the global config file at path. Missing
// keys fall back to DefaultGlobal's values.
func LoadGlobal(path string) (Global, error) {
	f, err := os.Open(path)
	if err != nil {
		return Global{}, fmt.Errorf("%w: open %q: %v", ErrInvalidConfig, path, err)
	}
	defer f.Close()

	doc, err := parseINI(f)
	if err != nil {
		return Global{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	g := DefaultGlobal()
	s := doc.section("hlld")

	if v, ok := s.get("tcp_port"); ok {
		g.TCPPort = uint16(parseUint(v, uint64(g.TCPPort)))
	}

	if v, ok := s.get("udp_port"); ok {
		g.UDPPort = uint16(parseUint(v, uint64(g.UDPPort)))
	}

	if v, ok := s.get("bind_address"); ok {
		g.BindAddress = strings.TrimSpace(v)
	}

	if v, ok := s.get("data_dir"); ok {
		g.DataDir = strings.TrimSpace(v)
	}

	if v, ok := s.get("log_level"); ok {
		g.LogLevel = LogLevel(strings.ToUpper(strings.TrimSpace(v)))
	}

	if v, ok := s.get("workers"); ok {
		g.Workers = int(parseUint(v, uint64(g.Workers)))
	}

	if v, ok := s.get("flush_interval"); ok {
		g.FlushInterval = int(parseUint(v, uint64(g.FlushInterval)))
	}

	if v, ok := s.get("cold_interval"); ok {
		g.ColdInterval = int(parseUint(v, uint64(g.ColdInterval)))
	}

	if v, ok := s.get("in_memory"); ok {
		g.InMemory = parseBool(v, g.InMemory)
	}

	if v, ok := s.get("use_mmap"); ok {
		g.UseMmap = parseBool(v, g.UseMmap)
	}

	_, hasEPS := s.get("default_eps")
	_, hasPrecision := s.get("default_precision")

	if v, ok := s.get("default_precision"); ok {
		g.DefaultPrecision = uint8(parseUint(v, uint64(g.DefaultPrecision)))
	}

	if v, ok := s.get("default_eps"); ok {
		g.DefaultEPS = parseFloat(v, g.DefaultEPS)
	}

	// default_eps and default_precision are mutually implied (spec §6):
	// eps is first mapped to the smallest p meeting the bound, then eps is
	// recomputed as the true bound of that p. Precision, if given
	// explicitly, wins over a simultaneously given eps.
	if hasEPS && !hasPrecision {
		if p, ok := hll.PrecisionForError(g.DefaultEPS); ok {
			g.DefaultPrecision = p
		}
	}

	g.DefaultEPS = hll.ErrorForPrecision(g.DefaultPrecision)

	return g, validateGlobal(g)
}

func validateGlobal(g Global) error {
	if g.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1, got %d", ErrInvalidConfig, g.Workers)
	}

	if g.FlushInterval < 0 || g.ColdInterval < 0 {
		return fmt.Errorf("%w: intervals must be >= 0", ErrInvalidConfig)
	}

	if g.DefaultPrecision < hll.MinPrecision || g.DefaultPrecision > hll.MaxPrecision {
		return fmt.Errorf("%w: default_precision %d out of [%d,%d]",
			ErrInvalidConfig, g.DefaultPrecision, hll.MinPrecision, hll.MaxPrecision)
	}

	minEPS := hll.ErrorForPrecision(hll.MaxPrecision)
	maxEPS := hll.ErrorForPrecision(hll.MinPrecision)

	if g.DefaultEPS < minEPS || g.DefaultEPS > maxEPS {
		return fmt.Errorf("%w: default_eps %g out of [%g,%g]", ErrInvalidConfig, g.DefaultEPS, minEPS, maxEPS)
	}

	switch g.LogLevel {
	case LogDebug, LogInfo, LogWarn, LogError, LogCritical:
	default:
		return fmt.Errorf("%w: log_level %q not recognised", ErrInvalidConfig, g.LogLevel)
	}

	return nil
}

// Sketch holds a per-set config.ini: the cached size estimate plus the
// effective eps/precision/in_memory the sketch was created with (spec §6,
// §4.3). Structural equality of these four fields is the round-trip
// property in spec §8.
type Sketch struct {
	Size             uint64
	DefaultEPS       float64
	DefaultPrecision uint8
	InMemory         bool
}

// LoadSketch parses a per-sketch config.ini. Returns (Sketch{}, false, nil)
// if the file does not exist.
func LoadSketch(path string) (Sketch, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Sketch{}, false, nil
		}

		return Sketch{}, false, fmt.Errorf("%w: open %q: %v", ErrInvalidConfig, path, err)
	}
	defer f.Close()

	doc, err := parseINI(f)
	if err != nil {
		return Sketch{}, false, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s := doc.section("hlld")

	cfg := Sketch{
		Size:             parseUint(firstOr(s, "size", "0"), 0),
		DefaultEPS:       parseFloat(firstOr(s, "default_eps", "0"), 0),
		DefaultPrecision: uint8(parseUint(firstOr(s, "default_precision", "0"), 0)),
		InMemory:         parseBool(firstOr(s, "in_memory", "0"), false),
	}

	return cfg, true, nil
}

func firstOr(s *section, key, def string) string {
	if v, ok := s.get(key); ok {
		return v
	}

	return def
}

// EncodeSketch serialises cfg as the body of a config.ini file.
func EncodeSketch(cfg Sketch) string {
	doc := newDocument()
	s := doc.section("hlld")
	s.set("size", fmt.Sprintf("%d", cfg.Size))
	s.set("default_eps", fmt.Sprintf("%g", cfg.DefaultEPS))
	s.set("default_precision", fmt.Sprintf("%d", cfg.DefaultPrecision))
	s.set("in_memory", boolStr(cfg.InMemory))

	var b strings.Builder
	_ = writeINI(&b, doc)

	return b.String()
}
