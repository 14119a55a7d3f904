package configuration

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// TracesConfiguration controls the tracing layer.
type TracesConfiguration struct {
	Enabled bool `json:"enabled"`
}

// MetricsConfiguration controls the metrics layer.
type MetricsConfiguration struct {
	Enabled bool `json:"enabled"`
}

// FaultyIOConfiguration controls the fault-injection layer. A fail
// rate f yields a fault probability of 1/f per die; zero disables the
// corresponding faults entirely.
type FaultyIOConfiguration struct {
	Enabled           bool   `json:"enabled"`
	FileFailRate      int    `json:"file_fail_rate"`
	DirectoryFailRate int    `json:"directory_fail_rate"`
	DelayTimeSeconds  int    `json:"delay_time" env-default:"3"`
	UseSeedNumber     bool   `json:"use_seednum"`
	Seed              int64  `json:"seed"`
	LocalLogPath      string `json:"local_log_path" env-default:"error_log.txt"`
}

// ThrottleIOConfiguration controls the throttling layer.
type ThrottleIOConfiguration struct {
	Enabled                       bool  `json:"enabled"`
	ReadBytesPerSecond            int64 `json:"read_bytes_per_second" env-default:"1048576"`
	WriteBytesPerSecond           int64 `json:"write_bytes_per_second" env-default:"1048576"`
	ReadCapacityBytes             int64 `json:"read_capacity" env-default:"1048576"`
	WriteCapacityBytes            int64 `json:"write_capacity" env-default:"1048576"`
	ReplenishIntervalMilliseconds int   `json:"replenish_interval_ms" env-default:"100"`
}

// Configuration is the top-level configuration file layout. Layers
// whose sections are absent or disabled are omitted from the stack
// entirely.
type Configuration struct {
	Traces     TracesConfiguration     `json:"traces"`
	Metrics    MetricsConfiguration    `json:"metrics"`
	FaultyIO   FaultyIOConfiguration   `json:"faultyIO"`
	ThrottleIO ThrottleIOConfiguration `json:"throttleIO"`

	// OTLPEndpoint is passed verbatim to the telemetry
	// collaborator; the core does not interpret it.
	OTLPEndpoint string `json:"-" env:"OTLP_ENDPOINT"`
}

// ConfigPathEnvironmentVariable names the environment variable that is
// consulted for the configuration file path when none is given on the
// command line.
const ConfigPathEnvironmentVariable = "CONFIG"

// Load reads the configuration file at path. If path is empty, the
// CONFIG environment variable is consulted. If no path is configured
// at all, defaults apply and every layer is disabled, leaving a plain
// passthrough. A path that is configured but unreadable or invalid is
// an error.
func Load(path string) (*Configuration, error) {
	var cfg Configuration
	if path == "" {
		path = os.Getenv(ConfigPathEnvironmentVariable)
	}
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration from %s: %w", path, err)
	}
	return &cfg, nil
}
