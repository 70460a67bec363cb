package httpserver

import (
	"net/http"

	"github.com/coachpo/dyconit/internal/dyconit"
)

const snapshotVersion = "1"

// Snapshot is the effective configuration and live topology of the broker.
type Snapshot struct {
	Version     string         `json:"version"`
	GeneratedAt string         `json:"generatedAt"`
	Environment string         `json:"environment"`
	Broker      BrokerSnapshot `json:"broker"`
	Policy      PolicySnapshot `json:"policy"`
	Topics      []topicSummary `json:"topics"`
	Sessions    *int           `json:"sessions,omitempty"`
}

// BrokerSnapshot captures the resolved synchronize cadence.
type BrokerSnapshot struct {
	TickInterval         string `json:"tickInterval"`
	GlobalUpdateInterval string `json:"globalUpdateInterval"`
	FanoutWorkers        int    `json:"fanoutWorkers"`
	ParallelThreshold    int    `json:"parallelThreshold"`
}

// PolicySnapshot captures the configured policy parameters.
type PolicySnapshot struct {
	Kind          string         `json:"kind"`
	CellSize      float64        `json:"cellSize,omitempty"`
	Base          dyconit.Bounds `json:"base"`
	Weights       map[string]int `json:"weights,omitempty"`
	DefaultWeight int            `json:"defaultWeight"`
	Topic         string         `json:"topic,omitempty"`
	Script        string         `json:"script,omitempty"`
	ExcludeOrigin bool           `json:"excludeOrigin"`
	Active        string         `json:"active"`
}

func (s *httpServer) buildSnapshot() Snapshot {
	cfg := s.cfg
	snap := Snapshot{
		Version:     snapshotVersion,
		GeneratedAt: s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Environment: string(cfg.Environment),
		Broker: BrokerSnapshot{
			TickInterval:         cfg.Broker.TickInterval.String(),
			GlobalUpdateInterval: cfg.Broker.GlobalUpdateInterval.String(),
			FanoutWorkers:        cfg.Broker.FanoutWorkerCount(),
			ParallelThreshold:    cfg.Broker.ParallelThreshold,
		},
		Policy: PolicySnapshot{
			Kind:          string(cfg.Policy.Kind),
			CellSize:      cfg.Policy.CellSize,
			Base:          cfg.Policy.BaseBounds(),
			Weights:       cfg.Policy.Weights,
			DefaultWeight: cfg.Policy.DefaultWeight,
			Topic:         cfg.Policy.Topic,
			Script:        cfg.Policy.Script,
			ExcludeOrigin: cfg.Policy.ExcludeOrigin,
			Active:        policyName(s.system.Policy()),
		},
		Topics: s.topicSummaries(),
	}
	if s.sessions != nil {
		n := s.sessions.Sessions()
		snap.Sessions = &n
	}
	return snap
}

func (s *httpServer) snapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.buildSnapshot())
}

type namedPolicy interface {
	Name() string
}

func policyName(p any) string {
	if p == nil {
		return "none"
	}
	if named, ok := p.(namedPolicy); ok {
		return named.Name()
	}
	return "custom"
}
