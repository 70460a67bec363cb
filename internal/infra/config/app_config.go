// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
)

// EnvPrefix prefixes every environment override, e.g. DYCONIT_TRANSPORT_ADDR.
const EnvPrefix = "DYCONIT_"

// BrokerConfig sets the synchronize cadence and fan-out sizing.
type BrokerConfig struct {
	TickInterval         time.Duration       `yaml:"tickInterval" env:"TICK_INTERVAL"`
	GlobalUpdateInterval time.Duration       `yaml:"globalUpdateInterval" env:"GLOBAL_UPDATE_INTERVAL"`
	FanoutWorkers        FanoutWorkerSetting `yaml:"fanoutWorkers" env:"FANOUT_WORKERS"`
	ParallelThreshold    int                 `yaml:"parallelThreshold" env:"PARALLEL_THRESHOLD"`
}

// FanoutWorkerCount returns the resolved worker count.
func (c BrokerConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.Resolve()
}

// PolicyConfig selects and parameterizes the topic placement policy.
type PolicyConfig struct {
	Kind          PolicyKind     `yaml:"kind" env:"KIND"`
	CellSize      float64        `yaml:"cellSize" env:"CELL_SIZE"`
	Base          BoundsConfig   `yaml:"base" envPrefix:"BASE_"`
	Weights       map[string]int `yaml:"weights" env:"WEIGHTS"`
	DefaultWeight int            `yaml:"defaultWeight" env:"DEFAULT_WEIGHT"`
	Topic         string         `yaml:"topic" env:"TOPIC"`
	Script        string         `yaml:"script" env:"SCRIPT"`
	ScriptTimeout time.Duration  `yaml:"scriptTimeout" env:"SCRIPT_TIMEOUT"`
	ExcludeOrigin bool           `yaml:"excludeOrigin" env:"EXCLUDE_ORIGIN"`
}

// BaseBounds resolves the configured base bounds.
func (c PolicyConfig) BaseBounds() dyconit.Bounds {
	return c.Base.Bounds(defaultBaseBounds)
}

// KindWeights converts the configured weights into per-kind weights.
func (c PolicyConfig) KindWeights() map[schema.Kind]int {
	out := make(map[schema.Kind]int, len(c.Weights))
	for kind, weight := range c.Weights {
		out[schema.Kind(kind)] = weight
	}
	return out
}

// TransportConfig configures the websocket listener.
type TransportConfig struct {
	Addr           string        `yaml:"addr" env:"ADDR"`
	Path           string        `yaml:"path" env:"PATH"`
	ReadLimitBytes int64         `yaml:"readLimitBytes" env:"READ_LIMIT_BYTES"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	PublishRate    float64       `yaml:"publishRate" env:"PUBLISH_RATE"`
	PublishBurst   int           `yaml:"publishBurst" env:"PUBLISH_BURST"`
	AllowedOrigins []string      `yaml:"allowedOrigins" env:"ALLOWED_ORIGINS"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
	OTLPInsecure   bool          `yaml:"otlpInsecure" env:"OTLP_INSECURE"`
	ServiceName    string        `yaml:"serviceName" env:"SERVICE_NAME"`
	MetricInterval time.Duration `yaml:"metricInterval" env:"METRIC_INTERVAL"`
	TopicAttribute bool          `yaml:"topicAttribute" env:"TOPIC_ATTRIBUTE"`
}

// AppConfig is the unified broker configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment     `yaml:"environment" env:"ENV"`
	Broker      BrokerConfig    `yaml:"broker" envPrefix:"BROKER_"`
	Policy      PolicyConfig    `yaml:"policy" envPrefix:"POLICY_"`
	Transport   TransportConfig `yaml:"transport" envPrefix:"TRANSPORT_"`
	Telemetry   TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

var defaultBaseBounds = dyconit.Bounds{Staleness: 100, Numerical: 8}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Broker: BrokerConfig{
			TickInterval:         50 * time.Millisecond,
			GlobalUpdateInterval: time.Second,
			FanoutWorkers:        FanoutWorkerSetting{kind: fanoutWorkerAuto},
			ParallelThreshold:    64,
		},
		Policy: PolicyConfig{
			Kind:     PolicyGrid,
			CellSize: 16,
			Base: BoundsConfig{
				Staleness: BoundValue(defaultBaseBounds.Staleness),
				Numerical: BoundValue(defaultBaseBounds.Numerical),
			},
			DefaultWeight: 1,
			ScriptTimeout: 50 * time.Millisecond,
			ExcludeOrigin: true,
		},
		Transport: TransportConfig{
			Addr:           ":8880",
			Path:           "/ws",
			ReadLimitBytes: 64 << 10,
			WriteTimeout:   5 * time.Second,
			PublishRate:    50,
			PublishBurst:   20,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "localhost:4318",
			ServiceName:    "dyconit-broker",
			MetricInterval: 30 * time.Second,
		},
	}
}

// Load reads configPath over the defaults, applies DYCONIT_* environment
// overrides, then normalises and validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault loads configPath when set and otherwise starts from Default.
// Environment overrides apply either way.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return finish(Default())
	}
	return Load(ctx, configPath)
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return AppConfig{}, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	switch c.Environment {
	case "development":
		c.Environment = EnvDev
	case "production":
		c.Environment = EnvProd
	}

	c.Policy.Kind = PolicyKind(strings.ToLower(strings.TrimSpace(string(c.Policy.Kind))))
	c.Policy.Topic = strings.TrimSpace(c.Policy.Topic)
	if script := strings.TrimSpace(c.Policy.Script); script != "" {
		c.Policy.Script = filepath.Clean(script)
	}
	if len(c.Policy.Weights) > 0 {
		weights := make(map[string]int, len(c.Policy.Weights))
		for kind, weight := range c.Policy.Weights {
			key := strings.ToLower(strings.TrimSpace(kind))
			if key == "" {
				continue
			}
			if _, dup := weights[key]; dup {
				return fmt.Errorf("duplicate policy weight for kind %q", key)
			}
			weights[key] = weight
		}
		c.Policy.Weights = weights
	}

	c.Transport.Addr = strings.TrimSpace(c.Transport.Addr)
	c.Transport.Path = strings.TrimSpace(c.Transport.Path)
	if c.Transport.Path == "" {
		c.Transport.Path = "/ws"
	}
	if !strings.HasPrefix(c.Transport.Path, "/") {
		c.Transport.Path = "/" + c.Transport.Path
	}
	origins := c.Transport.AllowedOrigins[:0]
	for _, origin := range c.Transport.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.Transport.AllowedOrigins = origins

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Broker.TickInterval <= 0 {
		return fmt.Errorf("broker tickInterval must be >0")
	}
	if c.Broker.GlobalUpdateInterval < 0 {
		return fmt.Errorf("broker globalUpdateInterval must be >=0")
	}
	if c.Broker.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("broker fanoutWorkers must be >0")
	}
	if c.Broker.ParallelThreshold <= 0 {
		return fmt.Errorf("broker parallelThreshold must be >0")
	}

	switch c.Policy.Kind {
	case PolicyGrid:
		if c.Policy.CellSize <= 0 {
			return fmt.Errorf("policy cellSize must be >0")
		}
	case PolicyStatic:
	case PolicyScript:
		if c.Policy.Script == "" {
			return fmt.Errorf("policy script required for kind script")
		}
	default:
		return fmt.Errorf("policy kind must be one of grid, static, script")
	}
	if err := c.Policy.Base.Validate(); err != nil {
		return fmt.Errorf("policy base: %w", err)
	}
	if err := c.Policy.BaseBounds().Validate(); err != nil {
		return fmt.Errorf("policy base: %w", err)
	}
	if c.Policy.DefaultWeight < 0 {
		return fmt.Errorf("policy defaultWeight must be >=0")
	}
	for kind, weight := range c.Policy.Weights {
		if weight < 0 {
			return fmt.Errorf("policy weight for %q must be >=0", kind)
		}
	}

	if c.Transport.Addr == "" {
		return fmt.Errorf("transport addr required")
	}
	if c.Transport.ReadLimitBytes <= 0 {
		return fmt.Errorf("transport readLimitBytes must be >0")
	}
	if c.Transport.WriteTimeout <= 0 {
		return fmt.Errorf("transport writeTimeout must be >0")
	}
	if c.Transport.PublishRate < 0 {
		return fmt.Errorf("transport publishRate must be >=0")
	}
	if c.Transport.PublishRate > 0 && c.Transport.PublishBurst <= 0 {
		return fmt.Errorf("transport publishBurst must be >0 when publishRate is set")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
