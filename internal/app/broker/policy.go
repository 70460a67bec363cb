package broker

import (
	"log"

	"github.com/coachpo/dyconit/internal/domain/errs"
	"github.com/coachpo/dyconit/internal/infra/config"
	"github.com/coachpo/dyconit/internal/policy"
	"github.com/coachpo/dyconit/internal/policy/script"
)

// PolicyFactory builds the policy to install on start and on every reload.
type PolicyFactory func() (policy.Policy, config.PolicyKind, error)

// NewPolicy builds the policy described by cfg.
func NewPolicy(cfg config.PolicyConfig, logger *log.Logger) (policy.Policy, error) {
	if logger == nil {
		logger = log.Default()
	}
	switch cfg.Kind {
	case config.PolicyGrid, "":
		return policy.NewGrid(policy.GridConfig{
			CellSize:      cfg.CellSize,
			Base:          cfg.BaseBounds(),
			Weights:       cfg.KindWeights(),
			DefaultWeight: cfg.DefaultWeight,
		}), nil
	case config.PolicyStatic:
		static := policy.NewStatic(cfg.Topic, cfg.BaseBounds(), cfg.DefaultWeight)
		static.Weights = cfg.KindWeights()
		return static, nil
	case config.PolicyScript:
		module, err := script.Load(cfg.Script)
		if err != nil {
			return nil, errs.New("broker/policy", errs.CodeInvalid,
				errs.WithMessage("load policy script"), errs.WithField("script", cfg.Script), errs.WithCause(err))
		}
		p, err := script.New(module, script.Options{CallTimeout: cfg.ScriptTimeout, Logger: logger})
		if err != nil {
			return nil, errs.New("broker/policy", errs.CodeInternal,
				errs.WithMessage("start policy script"), errs.WithField("script", cfg.Script), errs.WithCause(err))
		}
		logger.Printf("broker: policy script loaded name=%s hash=%s", module.Name, module.Hash)
		return p, nil
	default:
		return nil, errs.New("broker/policy", errs.CodeInvalid,
			errs.WithMessage("unknown policy kind"), errs.WithField("kind", string(cfg.Kind)))
	}
}

// NewFilter builds the visibility filter described by cfg. A nil filter lets
// everything through.
func NewFilter(cfg config.PolicyConfig) policy.Filter {
	if cfg.ExcludeOrigin {
		return policy.ExcludeOrigin()
	}
	return nil
}

// ConfigFactory returns a PolicyFactory that rebuilds from load on every call, so
// a reload picks up an edited script or configuration file.
func ConfigFactory(load func() (config.PolicyConfig, error), logger *log.Logger) PolicyFactory {
	return func() (policy.Policy, config.PolicyKind, error) {
		cfg, err := load()
		if err != nil {
			return nil, "", errs.New("broker/policy", errs.CodeInvalid,
				errs.WithMessage("reload configuration"), errs.WithCause(err))
		}
		p, err := NewPolicy(cfg, logger)
		if err != nil {
			return nil, "", err
		}
		kind := cfg.Kind
		if kind == "" {
			kind = config.PolicyGrid
		}
		return p, kind, nil
	}
}
