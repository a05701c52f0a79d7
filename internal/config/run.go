package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CLOUDMASK_LEDGER or
// CLOUDMASK_LOGGING_LEVEL.
const EnvPrefix = "CLOUDMASK"

// dateLayout is the accepted form of the start and end dates.
const dateLayout = "2006-01-02"

// RunConfig holds the per-invocation settings of a batch: where the data
// lives, what to process and how to log. Tuning parameters stay in
// TuningConfig.
type RunConfig struct {
	Manifest    string        `mapstructure:"manifest"`
	Ledger      string        `mapstructure:"ledger"`
	Tuning      string        `mapstructure:"tuning"`
	Destination string        `mapstructure:"destination"`
	Tile        string        `mapstructure:"tile"`
	Start       string        `mapstructure:"start"`
	End         string        `mapstructure:"end"`
	Area        [][]float64   `mapstructure:"area"`
	Exclude     []string      `mapstructure:"exclude"`
	Logging     LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setRunDefaults(v *viper.Viper) {
	v.SetDefault("manifest", "")
	v.SetDefault("ledger", "cloudmask.db")
	v.SetDefault("tuning", DefaultConfigPath)
	v.SetDefault("destination", "masks")
	v.SetDefault("tile", "")
	v.SetDefault("start", "")
	v.SetDefault("end", "")
	v.SetDefault("exclude", []string{})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// LoadRunConfig reads the run settings. path may be empty, in which case
// only defaults and CLOUDMASK_* environment variables apply. Environment
// variables override the file.
func LoadRunConfig(path string) (*RunConfig, error) {
	v := viper.New()
	setRunDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read run config: %w", err)
		}
	}

	var cfg RunConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run config: %w", err)
	}
	// CLOUDMASK_EXCLUDE is a comma-separated list.
	cfg.Exclude = splitList(cfg.Exclude)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}
	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, f := range strings.Split(s, ",") {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
	}
	return out
}

// Validate checks the settings without touching the filesystem.
func (c *RunConfig) Validate() error {
	var errs []error
	if c.Manifest == "" {
		errs = append(errs, errors.New("manifest is required"))
	}
	if c.Ledger == "" {
		errs = append(errs, errors.New("ledger is required"))
	}
	if c.Destination == "" {
		errs = append(errs, errors.New("destination is required"))
	}
	start, end, err := c.TimeRange()
	if err != nil {
		errs = append(errs, err)
	} else if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		errs = append(errs, fmt.Errorf("start %s must be before end %s", c.Start, c.End))
	}
	for i, pt := range c.Area {
		if len(pt) != 2 {
			errs = append(errs, fmt.Errorf("area vertex %d has %d coordinates, want 2", i, len(pt)))
		}
	}
	if len(c.Area) > 0 && len(c.Area) < 3 {
		errs = append(errs, fmt.Errorf("area needs at least 3 vertices, got %d", len(c.Area)))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// TimeRange parses Start and End. Empty values are the zero time.
func (c *RunConfig) TimeRange() (start, end time.Time, err error) {
	if c.Start != "" {
		if start, err = time.Parse(dateLayout, c.Start); err != nil {
			return start, end, fmt.Errorf("start: %w", err)
		}
	}
	if c.End != "" {
		if end, err = time.Parse(dateLayout, c.End); err != nil {
			return start, end, fmt.Errorf("end: %w", err)
		}
	}
	return start, end, nil
}
