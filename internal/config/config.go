// Package config loads doc2long settings from defaults, an optional YAML
// file, DOC2LONG_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"doc2long/internal/models"
)

// EnvPrefix is prepended to environment variable names.
const EnvPrefix = "DOC2LONG"

// Config holds application configuration
type Config struct {
	Workers         int    `mapstructure:"workers"`
	OutputDir       string `mapstructure:"output_dir"`
	IntermediateDir string `mapstructure:"intermediate_dir"`
	LogDir          string `mapstructure:"log_dir"`
	Retries         int    `mapstructure:"retries"`
	Verbose         bool   `mapstructure:"verbose"`

	Render    Render    `mapstructure:"render"`
	Tools     Tools     `mapstructure:"tools"`
	Progress  Progress  `mapstructure:"progress"`
	Security  Security  `mapstructure:"security"`
	Storage   Storage   `mapstructure:"storage"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Autoscale Autoscale `mapstructure:"autoscale"`
}

// Render holds output image parameters.
type Render struct {
	DPI     int    `mapstructure:"dpi"`
	Format  string `mapstructure:"format"`  // png or jpeg
	Quality int    `mapstructure:"quality"` // JPEG only
}

// Tools names the external programs.
type Tools struct {
	PdfToPPM    string `mapstructure:"pdftoppm"`
	PdfInfo     string `mapstructure:"pdfinfo"`
	LibreOffice string `mapstructure:"libreoffice"`
}

// Progress tunes the estimate used for steps without a real progress signal.
type Progress struct {
	AssumedConversion time.Duration `mapstructure:"assumed_conversion"`
	EstimateInterval  time.Duration `mapstructure:"estimate_interval"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
}

// Security options
type Security struct {
	Scan         bool   `mapstructure:"scan"`          // scan sources with ClamAV
	ClamdAddress string `mapstructure:"clamd_address"` // e.g. tcp://localhost:3310
}

// Storage holds configuration for the output store.
type Storage struct {
	Backend   string `mapstructure:"backend"` // local or s3
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Kafka holds configuration for progress event export.
type Kafka struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Autoscale configures memory-driven pool resizing.
type Autoscale struct {
	Enabled      bool          `mapstructure:"enabled"`
	MinWorkers   int           `mapstructure:"min_workers"`
	MaxWorkers   int           `mapstructure:"max_workers"`
	TargetMemory float64       `mapstructure:"target_memory"`
	Interval     time.Duration `mapstructure:"interval"`
}

// Params returns the render parameters as passed to the converter.
func (c *Config) Params() models.Params {
	return models.Params{
		Resolution: c.Render.DPI,
		Format:     models.OutputFormat(strings.ToLower(c.Render.Format)),
		Quality:    c.Render.Quality,
	}
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("output_dir", "output")
	v.SetDefault("intermediate_dir", "")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("retries", 0)
	v.SetDefault("verbose", false)

	v.SetDefault("render.dpi", 200)
	v.SetDefault("render.format", "png")
	v.SetDefault("render.quality", 90)

	v.SetDefault("tools.pdftoppm", "pdftoppm")
	v.SetDefault("tools.pdfinfo", "pdfinfo")
	v.SetDefault("tools.libreoffice", "soffice")

	v.SetDefault("progress.assumed_conversion", 30*time.Second)
	v.SetDefault("progress.estimate_interval", 500*time.Millisecond)
	v.SetDefault("progress.subscriber_buffer", 256)

	v.SetDefault("security.scan", false)
	v.SetDefault("security.clamd_address", "tcp://localhost:3310")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.bucket", "doc2long")
	v.SetDefault("storage.use_ssl", false)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "doc2long.progress")

	v.SetDefault("autoscale.enabled", false)
	v.SetDefault("autoscale.min_workers", 1)
	v.SetDefault("autoscale.max_workers", runtime.NumCPU())
	v.SetDefault("autoscale.target_memory", 75.0)
	v.SetDefault("autoscale.interval", 500*time.Millisecond)
}

// RegisterFlags adds the command-line flags bound by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.IntP("workers", "w", runtime.NumCPU(), "number of concurrent conversions")
	fs.StringP("output", "o", "output", "directory for finished images")
	fs.String("log-dir", "logs", "directory for diagnostic reports")
	fs.Int("dpi", 200, "render resolution")
	fs.StringP("format", "f", "png", "output format: png or jpeg")
	fs.IntP("quality", "q", 90, "JPEG quality (1-100)")
	fs.Int("retries", 0, "automatic retries for failed tasks")
	fs.Bool("scan", false, "scan sources with ClamAV before converting")
	fs.Bool("autoscale", false, "resize the worker pool from memory usage")
	fs.BoolP("verbose", "v", false, "enable debug logging")
}

var flagKeys = map[string]string{
	"workers":   "workers",
	"output":    "output_dir",
	"log-dir":   "log_dir",
	"dpi":       "render.dpi",
	"format":    "render.format",
	"quality":   "render.quality",
	"retries":   "retries",
	"scan":      "security.scan",
	"autoscale": "autoscale.enabled",
	"verbose":   "verbose",
}

// Load builds a Config. fs may be nil; a flag only overrides the other
// sources when it was set explicitly.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler or converter cannot use.
func (c *Config) Validate() error {
	var errs []error

	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	switch models.OutputFormat(strings.ToLower(c.Render.Format)) {
	case models.FormatPNG, models.FormatJPEG:
	default:
		errs = append(errs, fmt.Errorf("unknown output format %q", c.Render.Format))
	}
	if c.Render.Quality < 1 || c.Render.Quality > 100 {
		errs = append(errs, fmt.Errorf("quality must be within 1..100, got %d", c.Render.Quality))
	}
	if c.Render.DPI < 36 || c.Render.DPI > 1200 {
		errs = append(errs, fmt.Errorf("dpi must be within 36..1200, got %d", c.Render.DPI))
	}
	if c.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative"))
	}
	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			errs = append(errs, errors.New("s3 storage needs an endpoint and a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka export needs brokers and a topic"))
	}
	if c.Autoscale.Enabled && c.Autoscale.MinWorkers > c.Autoscale.MaxWorkers {
		errs = append(errs, errors.New("autoscale min_workers exceeds max_workers"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
