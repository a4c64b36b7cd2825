// Package conf loads the collaborator-supplied configuration options:
// allocator and concurrency sizing, the archival encodings, and how often
// the archiver runs.
//
// Grounded on a deleted config.go from the same corpus: same JSONC-via-hujson
// loading, the same defaults-then-global-then-project-then-override
// precedence chain, and "absent means inherit" merge semantics: a field
// that is absent, an empty string, or zero keeps the lower-precedence
// value (so an explicit zero value, including "unencoded", does not
// override a non-zero lower-precedence one).
package conf

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/ucbrise/confluo-core/confluo/errs"
	"github.com/ucbrise/confluo-core/confluo/storage"
)

// Options holds the recognized configuration tunables.
type Options struct {
	MaxMemory               int64
	MaxConcurrency          int
	IndexBlockSize          float64
	ArchivalPeriodicityMs   int64
	MaxArchivalFileSize     int64
	DataLogArchivalEncoding storage.Encoding
	ReflogArchivalEncoding  storage.Encoding
}

// MarshalJSON renders Options in the same shape LoadOptions reads, spelling
// the two encoding fields as their config-file strings rather than the raw
// storage.Encoding byte.
func (o Options) MarshalJSON() ([]byte, error) {
	dataLogEnc, err := encodingName(o.DataLogArchivalEncoding)
	if err != nil {
		return nil, err
	}

	reflogEnc, err := encodingName(o.ReflogArchivalEncoding)
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		MaxMemory               int64   `json:"max_memory"`
		MaxConcurrency          int     `json:"max_concurrency"`
		IndexBlockSize          float64 `json:"index_block_size"`
		ArchivalPeriodicityMs   int64   `json:"archival_periodicity_ms"`
		MaxArchivalFileSize     int64   `json:"max_archival_file_size"`
		DataLogArchivalEncoding string  `json:"data_log_archival_encoding"`
		ReflogArchivalEncoding  string  `json:"reflog_archival_encoding"`
	}{
		MaxMemory:               o.MaxMemory,
		MaxConcurrency:          o.MaxConcurrency,
		IndexBlockSize:          o.IndexBlockSize,
		ArchivalPeriodicityMs:   o.ArchivalPeriodicityMs,
		MaxArchivalFileSize:     o.MaxArchivalFileSize,
		DataLogArchivalEncoding: dataLogEnc,
		ReflogArchivalEncoding:  reflogEnc,
	})
}

func encodingName(e storage.Encoding) (string, error) {
	switch e {
	case storage.EncodingUnencoded:
		return "unencoded", nil
	case storage.EncodingLZ4:
		return "lz4", nil
	case storage.EncodingEliasGamma:
		return "elias_gamma", nil
	default:
		return "", fmt.Errorf("%w: %d", errUnknownEncoding, e)
	}
}

// jsonOptions mirrors Options but carries the two encoding fields as the
// strings the config file spells them with ("unencoded", "lz4",
// "elias_gamma"), since storage.Encoding has no JSON representation of its
// own.
type jsonOptions struct {
	MaxMemory               *int64   `json:"max_memory,omitempty"`
	MaxConcurrency          *int     `json:"max_concurrency,omitempty"`
	IndexBlockSize          *float64 `json:"index_block_size,omitempty"`
	ArchivalPeriodicityMs   *int64   `json:"archival_periodicity_ms,omitempty"`
	MaxArchivalFileSize     *int64   `json:"max_archival_file_size,omitempty"`
	DataLogArchivalEncoding string   `json:"data_log_archival_encoding,omitempty"`
	ReflogArchivalEncoding  string   `json:"reflog_archival_encoding,omitempty"`
}

// Sources tracks which config files contributed to a loaded Options, for
// diagnostics.
type Sources struct {
	Global  string
	Project string
}

// ConfigFileName is the default project-local config file name.
const ConfigFileName = ".confluo.json"

var (
	errConfigFileNotFound = errors.New("conf: config file not found")
	errConfigFileRead     = errors.New("conf: failed to read config file")
	errConfigInvalid      = errors.New("conf: invalid config")
	errUnknownEncoding    = errors.New("conf: unknown archival encoding")
)

// DefaultOptions returns the documented default configuration.
func DefaultOptions() Options {
	return Options{
		MaxMemory:               1 << 30, // ~1 GiB
		MaxConcurrency:          0,       // 0 means "let the caller pick runtime.GOMAXPROCS"
		IndexBlockSize:          1.0,
		ArchivalPeriodicityMs:   300000,
		MaxArchivalFileSize:     64 << 20, // 64 MiB
		DataLogArchivalEncoding: storage.EncodingUnencoded,
		ReflogArchivalEncoding:  storage.EncodingUnencoded,
	}
}

// getGlobalConfigPath returns $XDG_CONFIG_HOME/confluo/config.json, falling
// back to ~/.config/confluo/config.json, or "" if neither can be resolved.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "confluo", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "confluo", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "confluo", "config.json")
	}

	return ""
}

// LoadOptions loads configuration with the following precedence (highest
// wins): defaults, global user config, project config file (configPath if
// non-empty, else ConfigFileName under workDir if present), then overrides.
// overrides' zero-valued fields are treated as "not set" and do not
// override a lower-precedence value.
func LoadOptions(workDir, configPath string, overrides Options, env []string) (Options, Sources, error) {
	opts := DefaultOptions()

	var sources Sources

	globalOpts, globalPath, err := loadGlobalOptions(env)
	if err != nil {
		return Options{}, Sources{}, err
	}

	sources.Global = globalPath
	opts = mergeOptions(opts, globalOpts)

	projectOpts, projectPath, err := loadProjectOptions(workDir, configPath)
	if err != nil {
		return Options{}, Sources{}, err
	}

	sources.Project = projectPath
	opts = mergeOptions(opts, projectOpts)

	opts = mergeOptions(opts, overrides)

	if err := validateOptions(opts); err != nil {
		return Options{}, Sources{}, err
	}

	return opts, sources, nil
}

func loadGlobalOptions(env []string) (Options, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Options{}, "", nil
	}

	opts, loaded, err := loadOptionsFile(path, false)
	if err != nil {
		return Options{}, "", err
	}

	if !loaded {
		return Options{}, "", nil
	}

	return opts, path, nil
}

func loadProjectOptions(workDir, configPath string) (Options, string, error) {
	var (
		path      string
		mustExist bool
	)

	if configPath != "" {
		path = configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		mustExist = true

		if _, err := os.Stat(path); err != nil {
			return Options{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		path = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	opts, loaded, err := loadOptionsFile(path, mustExist)
	if err != nil {
		return Options{}, "", err
	}

	if !loaded {
		return Options{}, "", nil
	}

	return opts, path, nil
}

func loadOptionsFile(path string, mustExist bool) (Options, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled configuration, not untrusted input
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Options{}, false, nil
		}

		if mustExist {
			return Options{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
		}

		return Options{}, false, nil
	}

	opts, err := parseOptions(data)
	if err != nil {
		return Options{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return opts, true, nil
}

func parseOptions(data []byte) (Options, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Options{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var raw jsonOptions

	if err := json.Unmarshal(standardized, &raw); err != nil {
		return Options{}, fmt.Errorf("invalid JSON: %w", err)
	}

	var opts Options

	if raw.MaxMemory != nil {
		opts.MaxMemory = *raw.MaxMemory
	}

	if raw.MaxConcurrency != nil {
		opts.MaxConcurrency = *raw.MaxConcurrency
	}

	if raw.IndexBlockSize != nil {
		opts.IndexBlockSize = *raw.IndexBlockSize
	}

	if raw.ArchivalPeriodicityMs != nil {
		opts.ArchivalPeriodicityMs = *raw.ArchivalPeriodicityMs
	}

	if raw.MaxArchivalFileSize != nil {
		opts.MaxArchivalFileSize = *raw.MaxArchivalFileSize
	}

	if raw.DataLogArchivalEncoding != "" {
		enc, err := parseDataLogEncoding(raw.DataLogArchivalEncoding)
		if err != nil {
			return Options{}, err
		}

		opts.DataLogArchivalEncoding = enc
	}

	if raw.ReflogArchivalEncoding != "" {
		enc, err := parseReflogEncoding(raw.ReflogArchivalEncoding)
		if err != nil {
			return Options{}, err
		}

		opts.ReflogArchivalEncoding = enc
	}

	return opts, nil
}

func parseDataLogEncoding(s string) (storage.Encoding, error) {
	switch s {
	case "unencoded":
		return storage.EncodingUnencoded, nil
	case "lz4":
		return storage.EncodingLZ4, nil
	default:
		return 0, fmt.Errorf("%w for data_log_archival_encoding: %q", errUnknownEncoding, s)
	}
}

func parseReflogEncoding(s string) (storage.Encoding, error) {
	switch s {
	case "unencoded":
		return storage.EncodingUnencoded, nil
	case "lz4":
		return storage.EncodingLZ4, nil
	case "elias_gamma":
		return storage.EncodingEliasGamma, nil
	default:
		return 0, fmt.Errorf("%w for reflog_archival_encoding: %q", errUnknownEncoding, s)
	}
}

// mergeOptions applies overlay's non-zero fields onto base.
func mergeOptions(base, overlay Options) Options {
	if overlay.MaxMemory != 0 {
		base.MaxMemory = overlay.MaxMemory
	}

	if overlay.MaxConcurrency != 0 {
		base.MaxConcurrency = overlay.MaxConcurrency
	}

	if overlay.IndexBlockSize != 0 {
		base.IndexBlockSize = overlay.IndexBlockSize
	}

	if overlay.ArchivalPeriodicityMs != 0 {
		base.ArchivalPeriodicityMs = overlay.ArchivalPeriodicityMs
	}

	if overlay.MaxArchivalFileSize != 0 {
		base.MaxArchivalFileSize = overlay.MaxArchivalFileSize
	}

	if overlay.DataLogArchivalEncoding != 0 {
		base.DataLogArchivalEncoding = overlay.DataLogArchivalEncoding
	}

	if overlay.ReflogArchivalEncoding != 0 {
		base.ReflogArchivalEncoding = overlay.ReflogArchivalEncoding
	}

	return base
}

func validateOptions(o Options) error {
	if o.MaxMemory <= 0 {
		return fmt.Errorf("%w: max_memory must be positive, got %d: %w", errConfigInvalid, o.MaxMemory, errs.ErrInvalidState)
	}

	if o.MaxArchivalFileSize <= 0 {
		return fmt.Errorf("%w: max_archival_file_size must be positive, got %d: %w", errConfigInvalid, o.MaxArchivalFileSize, errs.ErrInvalidState)
	}

	if o.IndexBlockSize <= 0 {
		return fmt.Errorf("%w: index_block_size must be positive, got %f: %w", errConfigInvalid, o.IndexBlockSize, errs.ErrInvalidState)
	}

	if o.DataLogArchivalEncoding == storage.EncodingEliasGamma {
		// The data log's records carry mixed-width, non-offset payloads;
		// elias-gamma is only meaningful for a reflog's monotonically
		// increasing offset stream.
		return fmt.Errorf("%w: data_log_archival_encoding cannot be elias_gamma: %w", errConfigInvalid, errs.ErrInvalidState)
	}

	return nil
}

// FormatOptions renders o as indented JSON, for diagnostics.
func FormatOptions(o Options) (string, error) {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return "", fmt.Errorf("conf: failed to format options: %w", err)
	}

	return string(data), nil
}
