package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/dyconit/internal/dyconit"
)

// Environment identifies the runtime environment where the broker operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// PolicyKind selects the topic placement policy.
type PolicyKind string

const (
	// PolicyGrid partitions the plane into cell topics.
	PolicyGrid PolicyKind = "grid"
	// PolicyStatic routes everything through one topic.
	PolicyStatic PolicyKind = "static"
	// PolicyScript delegates placement to a JavaScript module.
	PolicyScript PolicyKind = "script"
)

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

const defaultFanoutWorkers = 4

// FanoutWorkerSetting accepts an integer, "auto" or "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// FanoutWorkers returns an explicit worker count setting.
func FanoutWorkers(n int) FanoutWorkerSetting {
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	return s.parse(node.Value)
}

// UnmarshalText lets environment overrides use the same syntax.
func (s *FanoutWorkerSetting) UnmarshalText(text []byte) error {
	return s.parse(string(text))
}

func (s *FanoutWorkerSetting) parse(raw string) error {
	text := strings.TrimSpace(raw)
	switch strings.ToLower(text) {
	case "":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", raw)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// Resolve returns the effective worker count.
func (s FanoutWorkerSetting) Resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.GOMAXPROCS(0); cores > 0 {
			return cores
		}
		return defaultFanoutWorkers
	default:
		return defaultFanoutWorkers
	}
}

// Bound is one dimension of a bounds pair: a non-negative value or unbounded.
// YAML and environment values accept "unbounded" (or "inf", "-1"); staleness
// additionally accepts Go durations such as "250ms", and bare integers are
// milliseconds.
type Bound struct {
	set      bool
	value    int
	duration bool
}

// BoundValue returns a set bound. Use dyconit.Unbounded for no bound.
func BoundValue(v int) Bound { return Bound{set: true, value: v} }

// IsSet reports whether a value was configured.
func (b Bound) IsSet() bool { return b.set }

// Value returns the configured value or fallback when unset.
func (b Bound) Value(fallback int) int {
	if !b.set {
		return fallback
	}
	return b.value
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bound) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*b = Bound{}
		return nil
	}
	return b.parse(node.Value)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Bound) UnmarshalText(text []byte) error {
	return b.parse(string(text))
}

func (b *Bound) parse(raw string) error {
	text := strings.ToLower(strings.TrimSpace(raw))
	switch text {
	case "":
		*b = Bound{}
		return nil
	case "unbounded", "inf", "infinite", "-1":
		*b = Bound{set: true, value: dyconit.Unbounded}
		return nil
	}
	if n, err := strconv.Atoi(text); err == nil {
		if n < 0 {
			return fmt.Errorf("bound %q must be >= 0 or unbounded", raw)
		}
		*b = Bound{set: true, value: n}
		return nil
	}
	d, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("bound %q: expected integer, duration or unbounded", raw)
	}
	if d < 0 {
		return fmt.Errorf("bound %q must be >= 0 or unbounded", raw)
	}
	if d > 0 && d < time.Millisecond {
		return fmt.Errorf("bound %q must be 0 or at least 1ms", raw)
	}
	*b = Bound{set: true, value: int(d / time.Millisecond), duration: true}
	return nil
}

// BoundsConfig is a configured bounds pair.
type BoundsConfig struct {
	Staleness Bound `yaml:"staleness" env:"STALENESS"`
	Numerical Bound `yaml:"numerical" env:"NUMERICAL"`
}

// Validate rejects durations on the numerical dimension.
func (c BoundsConfig) Validate() error {
	if c.Numerical.duration {
		return fmt.Errorf("numerical bound must be an integer or unbounded")
	}
	return nil
}

// Bounds resolves the pair, taking unset dimensions from fallback.
func (c BoundsConfig) Bounds(fallback dyconit.Bounds) dyconit.Bounds {
	return dyconit.Bounds{
		Staleness: c.Staleness.Value(fallback.Staleness),
		Numerical: c.Numerical.Value(fallback.Numerical),
	}
}
