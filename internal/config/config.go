// Package config loads the daemon's configuration from flags, environment
// variables, and built-in defaults, in that precedence order, via viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the flat settings struct every component reads from.
type Config struct {
	FilmsRoot      string
	SeriesRoot     string
	TranscodedRoot string
	DBPath         string

	MaxConcurrent int
	HWAccel       string
	AutoStart     bool

	LogLevel       string
	LogFormat      string
	LogEnvironment string
}

// Default returns the built-in defaults used when neither a flag nor an
// environment variable supplies a value.
func Default() *Config {
	return &Config{
		FilmsRoot:      "/media/films",
		SeriesRoot:     "/media/series",
		TranscodedRoot: "/media/transcoded",
		DBPath:         "",

		MaxConcurrent: 2,
		HWAccel:       "auto",
		AutoStart:     true,

		LogLevel:       "info",
		LogFormat:      "",
		LogEnvironment: "development",
	}
}

// BindFlags registers the daemon's persistent flags on a cobra/pflag flag
// set, mirroring kaero-streaming's root command flag layout.
func BindFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("films-root", d.FilmsRoot, "directory containing film source files")
	flags.String("series-root", d.SeriesRoot, "directory containing series source files")
	flags.String("transcoded-root", d.TranscodedRoot, "output directory for transcoded assets")
	flags.String("db-path", d.DBPath, "path to the metadata SQLite database (default: <transcoded-root>/pretranscode.db)")
	flags.Int("max-concurrent", d.MaxConcurrent, "maximum number of simultaneous transcodes")
	flags.String("hwaccel", d.HWAccel, "hardware acceleration mode: auto, vaapi, or none")
	flags.Bool("auto-start", d.AutoStart, "resume the worker pool automatically on boot if work is pending")
	flags.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	flags.String("log-format", d.LogFormat, "log format: json or pretty (default: auto by environment)")
	flags.String("environment", d.LogEnvironment, "runtime environment: development or production")
}

// envPrefix is shared by every PRETRANS_* environment variable viper binds.
const envPrefix = "PRETRANS"

// Load resolves the final Config from bound flags, PRETRANS_*  environment
// variables, and defaults, in that precedence order.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("films-root", d.FilmsRoot)
	v.SetDefault("series-root", d.SeriesRoot)
	v.SetDefault("transcoded-root", d.TranscodedRoot)
	v.SetDefault("db-path", d.DBPath)
	v.SetDefault("max-concurrent", d.MaxConcurrent)
	v.SetDefault("hwaccel", d.HWAccel)
	v.SetDefault("auto-start", d.AutoStart)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-format", d.LogFormat)
	v.SetDefault("environment", d.LogEnvironment)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	cfg := &Config{
		FilmsRoot:      v.GetString("films-root"),
		SeriesRoot:     v.GetString("series-root"),
		TranscodedRoot: v.GetString("transcoded-root"),
		DBPath:         v.GetString("db-path"),
		MaxConcurrent:  v.GetInt("max-concurrent"),
		HWAccel:        v.GetString("hwaccel"),
		AutoStart:      v.GetBool("auto-start"),
		LogLevel:       v.GetString("log-level"),
		LogFormat:      v.GetString("log-format"),
		LogEnvironment: v.GetString("environment"),
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.TranscodedRoot, "pretranscode.db")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	return cfg, nil
}

// QueueStatePath is the fixed location of the persisted queue document
// (spec.md §6: "<transcoded_root>/queue-state.json").
func (c *Config) QueueStatePath() string {
	return filepath.Join(c.TranscodedRoot, "queue-state.json")
}
