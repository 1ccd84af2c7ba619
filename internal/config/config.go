package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Filter   FilterConfig   `yaml:"filter" mapstructure:"filter"`
	Batch    BatchConfig    `yaml:"batch" mapstructure:"batch"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// PipelineConfig holds the clustering and visit-counting constants.
type PipelineConfig struct {
	EpsKM        float64 `yaml:"eps_km" mapstructure:"eps_km"`
	MinSamples   int     `yaml:"min_samples" mapstructure:"min_samples"`
	GapFloorSecs int64   `yaml:"gap_floor_secs" mapstructure:"gap_floor_secs"`
	MinStaySecs  int64   `yaml:"min_stay_secs" mapstructure:"min_stay_secs"`
}

// FilterConfig holds the spatial filter buffer distances in meters.
type FilterConfig struct {
	POIBufferM         float64 `yaml:"poi_buffer_m" mapstructure:"poi_buffer_m"`
	ResidentialBufferM float64 `yaml:"residential_buffer_m" mapstructure:"residential_buffer_m"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// OutputConfig configures table output.
type OutputConfig struct {
	Format string `yaml:"format" mapstructure:"format"` // "csv" or "parquet"
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Params carries the numeric pipeline constants consumed by the clustering,
// visit-detection, and filtering stages. It is passed by value so no stage
// can mutate another stage's view of the configuration.
type Params struct {
	EpsKM              float64
	MinSamples         int
	GapFloorSecs       int64
	MinStaySecs        int64
	POIBufferM         float64
	ResidentialBufferM float64
}

// Params returns the immutable pipeline parameters derived from the config.
func (c *Config) Params() Params {
	return Params{
		EpsKM:              c.Pipeline.EpsKM,
		MinSamples:         c.Pipeline.MinSamples,
		GapFloorSecs:       c.Pipeline.GapFloorSecs,
		MinStaySecs:        c.Pipeline.MinStaySecs,
		POIBufferM:         c.Filter.POIBufferM,
		ResidentialBufferM: c.Filter.ResidentialBufferM,
	}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MOBILITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("pipeline.eps_km", 0.030)
	v.SetDefault("pipeline.min_samples", 3)
	v.SetDefault("pipeline.gap_floor_secs", 1800)
	v.SetDefault("pipeline.min_stay_secs", 900)
	v.SetDefault("filter.poi_buffer_m", 30.0)
	v.SetDefault("filter.residential_buffer_m", 50.0)
	v.SetDefault("batch.workers", 8)
	v.SetDefault("output.format", "csv")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
