package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	ChannelIdleTimeout time.Duration `yaml:"channel_idle_timeout"`
	ActorIdleTimeout   time.Duration `yaml:"actor_idle_timeout"`
	FlushDelay         time.Duration `yaml:"flush_delay"`
	DeliveryTimeout    time.Duration `yaml:"delivery_timeout"`
	ListLimit          int           `yaml:"list_limit"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Kinds     []KindConfig    `yaml:"kinds"`
}

// TracingConfig points span export at an OTLP/HTTP collector. An empty
// endpoint keeps spans in process.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// KindConfig declares an actor kind. Parent is a parentRef template where
// "{id}" is replaced by the child's id, e.g. "org/{id}".
type KindConfig struct {
	Name   string `yaml:"name"`
	Parent string `yaml:"parent"`
}

func Default() Config {
	return Config{
		HTTPAddr:           ":8080",
		DataDir:            "data",
		LogLevel:           "info",
		ChannelIdleTimeout: 60 * time.Second,
		ActorIdleTimeout:   5 * time.Minute,
		FlushDelay:         time.Second,
		DeliveryTimeout:    10 * time.Second,
		ListLimit:          100,
		Tracing:            TracingConfig{Insecure: true, ServiceName: "objectd"},
	}
}

// Load reads .env, then the optional YAML file named by OBJECTS_CONFIG,
// then OBJECTS_* environment variables. Later sources win.
func Load() (Config, error) {
	loadDotEnv(".env")
	cfg := Default()
	if path := os.Getenv("OBJECTS_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = getEnv("OBJECTS_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("OBJECTS_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = getEnv("OBJECTS_LOG_LEVEL", cfg.LogLevel)
	cfg.Tracing.Endpoint = getEnv("OBJECTS_OTLP_ENDPOINT", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint))
	cfg.Tracing.ServiceName = getEnv("OTEL_SERVICE_NAME", cfg.Tracing.ServiceName)
	if v := os.Getenv("OBJECTS_OTLP_INSECURE"); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OBJECTS_OTLP_INSECURE: %w", err)
		}
		cfg.Tracing.Insecure = insecure
	}

	durations := []struct {
		key  string
		dest *time.Duration
	}{
		{"OBJECTS_CHANNEL_IDLE_TIMEOUT", &cfg.ChannelIdleTimeout},
		{"OBJECTS_ACTOR_IDLE_TIMEOUT", &cfg.ActorIdleTimeout},
		{"OBJECTS_FLUSH_DELAY", &cfg.FlushDelay},
		{"OBJECTS_DELIVERY_TIMEOUT", &cfg.DeliveryTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dest = parsed
	}

	ints := []struct {
		key  string
		dest *int
	}{
		{"OBJECTS_LIST_LIMIT", &cfg.ListLimit},
		{"OBJECTS_RATE_LIMIT_RPS", &cfg.RateLimit.RPS},
		{"OBJECTS_RATE_LIMIT_BURST", &cfg.RateLimit.Burst},
	}
	for _, n := range ints {
		v := os.Getenv(n.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", n.key, err)
		}
		*n.dest = parsed
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
