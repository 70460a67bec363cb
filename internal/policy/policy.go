// Package policy provides the topic placement policies and visibility filters the
// broker runs the dyconit system with.
package policy

import (
	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
)

// Instantiations used by every broker-side policy.
type (
	Command    = dyconit.Command[string, *schema.Update]
	Subscriber = dyconit.Subscriber[string, *schema.Update]
	Policy     = dyconit.Policy[string, *schema.Update]
	Filter     = dyconit.Filter[string, *schema.Update]
)

// DefaultWeight is the numerical weight of kinds without an explicit weight.
const DefaultWeight = 1

// Weights maps update kinds to numerical weights.
type Weights map[schema.Kind]int

// Weigh returns the weight of msg, falling back to fallback for unknown kinds.
func (w Weights) Weigh(msg *schema.Update, fallback int) int {
	if msg == nil {
		return 0
	}
	if weight, ok := w[msg.Kind]; ok {
		return weight
	}
	return fallback
}

// ExcludeOrigin drops updates published by the subscriber itself.
func ExcludeOrigin() Filter {
	return dyconit.FilterFunc[string, *schema.Update](func(key string, msg *schema.Update) bool {
		return msg == nil || msg.Origin == "" || msg.Origin != key
	})
}

// viewportOf extracts the viewport carried in a subscriber's state.
func viewportOf(state any) (schema.Viewport, bool) {
	switch v := state.(type) {
	case schema.Viewport:
		return v, true
	case *schema.Viewport:
		if v == nil {
			return schema.Viewport{}, false
		}
		return *v, true
	default:
		return schema.Viewport{}, false
	}
}

// positionOf extracts the position a publisher refers to.
func positionOf(publisher any) (schema.Position, bool) {
	switch v := publisher.(type) {
	case *schema.Update:
		if v == nil {
			return schema.Position{}, false
		}
		return v.Position(), true
	case schema.Update:
		return v.Position(), true
	case schema.Position:
		return v, true
	case *schema.Position:
		if v == nil {
			return schema.Position{}, false
		}
		return *v, true
	case schema.Viewport:
		return v.Centre(), true
	default:
		return schema.Position{}, false
	}
}
