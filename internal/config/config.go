// Package config loads the sepcorr application settings from an optional
// YAML file, an optional .env file and SEPCORR_* environment variables, in
// that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/andreiashu/sepcorr"
)

// DefaultPath is the config file read when SEPCORR_CONFIG is unset.
const DefaultPath = "sepcorr.yaml"

// Config holds the settings shared by the CLI and the HTTP server.
type Config struct {
	Delimiter           string `yaml:"delimiter"`
	TimestampDelimiters int    `yaml:"timestamp_delimiters"`
	GridSize            int    `yaml:"grid_size"`
	ProgressInterval    int    `yaml:"progress_interval"`
	MaxWarningLines     int    `yaml:"max_warning_lines"`
	ReferenceCache      bool   `yaml:"reference_cache"`
	MarkUnmatched       bool   `yaml:"mark_unmatched"`

	ListenAddr  string `yaml:"listen_addr"`
	DBPath      string `yaml:"db_path"`
	BearerToken string `yaml:"bearer_token"`
	DataDir     string `yaml:"data_dir"` // if set, the job API only touches files below it

	Source string `yaml:"-"` // file the settings were read from, if any
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Delimiter:           string(rune(sepcorr.DefaultDelimiter)),
		TimestampDelimiters: sepcorr.DefaultTimestampDelimiters,
		GridSize:            sepcorr.DefaultGridSize,
		ProgressInterval:    sepcorr.DefaultProgressInterval,
		MaxWarningLines:     sepcorr.DefaultMaxWarningLines,
		ListenAddr:          "127.0.0.1:8080",
		DBPath:              "./sepcorr.db",
	}
}

// Load reads the config file named by SEPCORR_CONFIG (or DefaultPath), then
// .env, then the environment. A missing file is not an error.
func Load() (Config, error) {
	path := DefaultPath
	explicit := false
	if p := os.Getenv("SEPCORR_CONFIG"); p != "" {
		path, explicit = p, true
	}
	return LoadFile(path, explicit)
}

// LoadFile is Load with an explicit config path. If required is set, a
// missing file is reported.
func LoadFile(path string, required bool) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg.Source = path
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("loading .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	envOverride(&c.Delimiter, "SEPCORR_DELIMITER")
	envOverride(&c.ListenAddr, "SEPCORR_LISTEN_ADDR")
	envOverride(&c.DBPath, "SEPCORR_DB_PATH")
	envOverride(&c.DataDir, "SEPCORR_DATA_DIR")
	envOverrideAllowEmpty(&c.BearerToken, "SEPCORR_BEARER_TOKEN")
	envOverrideBool(&c.ReferenceCache, "SEPCORR_REFERENCE_CACHE")
	envOverrideBool(&c.MarkUnmatched, "SEPCORR_MARK_UNMATCHED")

	ints := []struct {
		field *int
		key   string
	}{
		{&c.TimestampDelimiters, "SEPCORR_TIMESTAMP_DELIMITERS"},
		{&c.GridSize, "SEPCORR_GRID_SIZE"},
		{&c.ProgressInterval, "SEPCORR_PROGRESS_INTERVAL"},
		{&c.MaxWarningLines, "SEPCORR_MAX_WARNING_LINES"},
	}
	for _, e := range ints {
		if err := envOverrideInt(e.field, e.key); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first setting that a job could not run with.
func (c Config) Validate() error {
	if len(c.Delimiter) != 1 {
		return fmt.Errorf("invalid delimiter %q: must be a single byte", c.Delimiter)
	}
	if c.Delimiter == " " || c.Delimiter == "\n" || c.Delimiter == "\r" {
		return fmt.Errorf("invalid delimiter %q: whitespace is not allowed", c.Delimiter)
	}
	if c.TimestampDelimiters < 1 {
		return fmt.Errorf("invalid timestamp_delimiters '%d': must be >= 1", c.TimestampDelimiters)
	}
	if c.GridSize < 1 {
		return fmt.Errorf("invalid grid_size '%d': must be >= 1", c.GridSize)
	}
	if c.ProgressInterval < 1 {
		return fmt.Errorf("invalid progress_interval '%d': must be >= 1", c.ProgressInterval)
	}
	if c.MaxWarningLines < 0 {
		return fmt.Errorf("invalid max_warning_lines '%d': must be >= 0", c.MaxWarningLines)
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	host, _, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
	}
	if c.BearerToken == "" && !isLoopback(host) {
		return fmt.Errorf("listen_addr %q is not a loopback address: set bearer_token to serve other interfaces", c.ListenAddr)
	}
	return nil
}

// isLoopback reports whether host only accepts local connections. An empty
// host listens on every interface.
func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// EngineOptions converts the settings into options for sepcorr.Run.
func (c Config) EngineOptions(logger *log.Logger) []sepcorr.Option {
	opts := []sepcorr.Option{
		sepcorr.WithTimestampDelimiters(c.TimestampDelimiters),
		sepcorr.WithGridSize(c.GridSize),
		sepcorr.WithProgressInterval(c.ProgressInterval),
		sepcorr.WithMaxWarningLines(c.MaxWarningLines),
		sepcorr.WithReferenceCache(c.ReferenceCache),
		sepcorr.WithMarkUnmatched(c.MarkUnmatched),
	}
	if len(c.Delimiter) == 1 {
		opts = append(opts, sepcorr.WithDelimiter(c.Delimiter[0]))
	}
	if logger != nil {
		opts = append(opts, sepcorr.WithLogger(logger))
	}
	return opts
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
	}
	*field = parsed
	return nil
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}
