package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvPath names the environment variable holding the config file path.
	EnvPath           = "CONFIG_PATH"
	DefaultConfigPath = "config.yaml"
)

var ErrInvalid = errors.New("invalid configuration")

type Server struct {
	Port         int   `yaml:"port"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type Logging struct {
	LogFilePath string `yaml:"log_file_path"`
	Level       string `yaml:"level"`
}

type Classifier struct {
	ModelPath          string `yaml:"model_path"`
	ImgSize            int    `yaml:"img_size"`
	InputName          string `yaml:"input_name"`
	OutputName         string `yaml:"output_name"`
	NumClasses         int    `yaml:"num_classes"`
	PositiveIndex      int    `yaml:"positive_index"`
	FetchTimeoutMillis int    `yaml:"fetch_timeout_ms"`
	MaxImageBytes      int64  `yaml:"max_image_bytes"`
	MaxImagePixels     int    `yaml:"max_image_pixels"`
	OnnxRuntimeLibrary string `yaml:"onnxruntime_library"`
}

func (c Classifier) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMillis) * time.Millisecond
}

type GPU struct {
	Enabled        bool    `yaml:"enabled"`
	DeviceID       int     `yaml:"device_id"`
	DeviceMemoryMB int     `yaml:"device_memory_mb"`
	MemoryFraction float64 `yaml:"memory_fraction"`
}

// MemoryLimitBytes is the accelerator memory cap derived from the fraction.
func (g GPU) MemoryLimitBytes() int64 {
	return int64(g.MemoryFraction * float64(g.DeviceMemoryMB) * 1024 * 1024)
}

// Config is built once at startup and handed to the components that need it.
// Section names follow the deployed config files.
type Config struct {
	Server     Server     `yaml:"FLASK"`
	Logging    Logging    `yaml:"LOGGING"`
	Classifier Classifier `yaml:"CLASSIFIER"`
	GPU        GPU        `yaml:"GPU"`
}

func NewDefaultConfig() *Config {
	return &Config{
		Server: Server{
			MaxBodyBytes: 32 << 20,
		},
		Logging: Logging{
			Level: "info",
		},
		Classifier: Classifier{
			InputName:          "input",
			OutputName:         "predictions",
			NumClasses:         2,
			PositiveIndex:      1,
			FetchTimeoutMillis: 10000,
			MaxImageBytes:      20 << 20,
			MaxImagePixels:     25_000_000,
		},
		GPU: GPU{
			DeviceMemoryMB: 8192,
		},
	}
}

// PathFromEnv returns the config path from CONFIG_PATH, or the default.
func PathFromEnv() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "FLASK.port must be in 1..65535, got %d", c.Server.Port)
	check(c.Server.MaxBodyBytes > 0, "FLASK.max_body_bytes must be positive")
	check(c.Logging.LogFilePath != "", "LOGGING.log_file_path is required")
	check(c.Classifier.ModelPath != "", "CLASSIFIER.model_path is required")
	check(c.Classifier.ImgSize > 0, "CLASSIFIER.img_size must be positive, got %d", c.Classifier.ImgSize)
	check(c.Classifier.InputName != "" && c.Classifier.OutputName != "", "CLASSIFIER tensor names must not be empty")
	check(c.Classifier.NumClasses > 0, "CLASSIFIER.num_classes must be positive")
	check(c.Classifier.PositiveIndex >= 0 && c.Classifier.PositiveIndex < c.Classifier.NumClasses,
		"CLASSIFIER.positive_index %d out of range for %d classes", c.Classifier.PositiveIndex, c.Classifier.NumClasses)
	check(c.Classifier.FetchTimeoutMillis >= 0, "CLASSIFIER.fetch_timeout_ms must not be negative")
	check(c.Classifier.MaxImageBytes >= 0, "CLASSIFIER.max_image_bytes must not be negative")
	check(c.Classifier.MaxImagePixels >= 0, "CLASSIFIER.max_image_pixels must not be negative")
	check(c.GPU.MemoryFraction > 0 && c.GPU.MemoryFraction <= 1,
		"GPU.memory_fraction must be in (0, 1], got %v", c.GPU.MemoryFraction)
	check(!c.GPU.Enabled || c.GPU.DeviceMemoryMB > 0, "GPU.device_memory_mb must be positive when the GPU is enabled")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
