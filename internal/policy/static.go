package policy

import (
	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
)

// DefaultStaticTopic is the topic a Static policy uses when none is configured.
const DefaultStaticTopic = "global"

// Static routes every publish to one topic and subscribes everyone to it.
type Static struct {
	Topic   string
	Bounds  dyconit.Bounds
	Weights Weights
	Weight  int
}

// NewStatic constructs a Static policy with a constant weight.
func NewStatic(topic string, bounds dyconit.Bounds, weight int) *Static {
	if topic == "" {
		topic = DefaultStaticTopic
	}
	return &Static{Topic: topic, Bounds: bounds, Weight: weight}
}

// Name identifies the policy in control responses.
func (p *Static) Name() string { return "static:" + p.Topic }

// Update subscribes the subscriber to the configured topic.
func (p *Static) Update(sub Subscriber) []Command {
	return []Command{dyconit.Subscribe[string, *schema.Update]{
		Subscriber: sub.Key,
		Channel:    sub.Channel,
		Bounds:     p.Bounds,
		Topic:      p.Topic,
	}}
}

// GlobalUpdate implements dyconit.Policy.
func (p *Static) GlobalUpdate() []Command { return nil }

// Weigh implements dyconit.Policy.
func (p *Static) Weigh(msg *schema.Update) int { return p.Weights.Weigh(msg, p.Weight) }

// ComputeAffectedTopic implements dyconit.Policy.
func (p *Static) ComputeAffectedTopic(any) string { return p.Topic }
