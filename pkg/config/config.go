package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"squeeze/pkg/fsys"
	"squeeze/pkg/merge"
)

// Config - корневая структура конфигурации приложения
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger       LoggerConfig       `yaml:"logger" validate:"required"`
	Server       ServerConfig       `yaml:"http-server" validate:"required"`
	Filesystem   fsys.Config        `yaml:"filesystem"`
	Staging      StagingConfig      `yaml:"staging" validate:"required"`
	Compaction   CompactionConfig   `yaml:"compaction"`
	Coordination CoordinationConfig `yaml:"coordination" validate:"required"`
	Jobs         JobsConfig         `yaml:"jobs"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"min=0"`
}

type StagingConfig struct {
	// ScratchRoot is where compacted output and backups of originals are parked.
	ScratchRoot string `yaml:"scratch_root" validate:"required,startswith=/"`
}

// CompactionConfig fills criteria fields a request left at zero.
type CompactionConfig struct {
	ThresholdBytes int64  `yaml:"threshold_bytes" validate:"min=0"`
	MaxReducers    int    `yaml:"max_reducers" validate:"min=0"`
	FileType       string `yaml:"file_type" validate:"omitempty,oneof=text gzip zstd avro parquet orc"`
}

const (
	CoordinationNone      = "none"
	CoordinationLocal     = "local"
	CoordinationZooKeeper = "zookeeper"
)

type CoordinationConfig struct {
	Mode           string        `yaml:"mode" validate:"required,oneof=none local zookeeper"`
	Servers        []string      `yaml:"servers" validate:"required_if=Mode zookeeper,dive,hostname_port"`
	RootPath       string        `yaml:"root_path" validate:"omitempty,startswith=/"`
	SessionTimeout time.Duration `yaml:"session_timeout" validate:"min=0"`
}

type JobsConfig struct {
	Workers int `yaml:"workers" validate:"min=0"`
	Queue   int `yaml:"queue" validate:"min=0"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Filesystem: fsys.Config{
			DefaultScheme: fsys.SchemeFile,
		},
		Staging: StagingConfig{
			ScratchRoot: "/tmp/squeeze",
		},
		Compaction: CompactionConfig{
			ThresholdBytes: merge.DefaultThresholdBytes,
			MaxReducers:    merge.DefaultMaxReducers,
		},
		Coordination: CoordinationConfig{
			Mode:           CoordinationLocal,
			RootPath:       "/squeeze",
			SessionTimeout: 10 * time.Second,
		},
		Jobs: JobsConfig{
			Workers: 2,
			Queue:   64,
		},
	}
}

// Validate checks struct tags of cfg.
func Validate(cfg *Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Parse overlays YAML data on Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, Validate(&cfg)
}
