package script

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/multierr"

	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
)

// DefaultCallTimeout bounds a single call into the script.
const DefaultCallTimeout = 50 * time.Millisecond

type (
	command    = dyconit.Command[string, *schema.Update]
	subscriber = dyconit.Subscriber[string, *schema.Update]
)

// Options configures a scripted policy.
type Options struct {
	CallTimeout time.Duration
	Logger      *log.Logger
}

// Policy adapts a module exporting update, globalUpdate, weigh and
// computeAffectedTopic into a dyconit policy. Missing exports fall back to no
// commands, weight 1 and the empty topic. Script failures are logged and counted
// and never reach the System.
//
// Commands are plain objects:
//
//	{op: "subscribe", topic: "t", bounds: {staleness: 100, numerical: -1}}
//	{op: "unsubscribe", topic: "t"}
//	{op: "createTopic", topic: "t"}
//	{op: "removeTopic", topic: "t"}
//	{op: "clear"}
//
// subscribe and unsubscribe apply to the updated subscriber unless a subscriber
// field names another key.
type Policy struct {
	instance *Instance
	logger   *log.Logger
	failures atomic.Uint64
}

// New starts an instance of module and wraps it as a policy.
func New(module *Module, opts Options) (*Policy, error) {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	instance, err := NewInstance(module, timeout, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Policy{instance: instance, logger: opts.Logger}, nil
}

// Module returns the running module.
func (p *Policy) Module() *Module { return p.instance.Module() }

// Name identifies the policy in control responses.
func (p *Policy) Name() string { return "script:" + p.instance.Module().Name }

// Failures returns how many script calls failed.
func (p *Policy) Failures() uint64 { return p.failures.Load() }

// Close stops the script instance.
func (p *Policy) Close() { p.instance.Close() }

// Update implements dyconit.Policy.
func (p *Policy) Update(sub subscriber) []command {
	arg := map[string]any{"key": sub.Key}
	if view, ok := sub.State.(schema.Viewport); ok {
		arg["state"] = viewportArg(view)
	} else if view, ok := sub.State.(*schema.Viewport); ok && view != nil {
		arg["state"] = viewportArg(*view)
	}
	value, err := p.instance.Call("update", exportValue, arg)
	if err != nil {
		p.fail("update", err)
		return nil
	}
	cmds, err := decodeCommands(value, sub)
	if err != nil {
		p.fail("update", err)
	}
	return cmds
}

// GlobalUpdate implements dyconit.Policy.
func (p *Policy) GlobalUpdate() []command {
	value, err := p.instance.Call("globalUpdate", exportValue)
	if err != nil {
		p.fail("globalUpdate", err)
		return nil
	}
	cmds, err := decodeCommands(value, subscriber{})
	if err != nil {
		p.fail("globalUpdate", err)
	}
	return cmds
}

// Weigh implements dyconit.Policy.
func (p *Policy) Weigh(msg *schema.Update) int {
	value, err := p.instance.Call("weigh", exportValue, updateArg(msg))
	if err != nil {
		p.fail("weigh", err)
		return 1
	}
	weight, ok := toInt(value)
	if !ok {
		p.fail("weigh", fmt.Errorf("weigh returned %T", value))
		return 1
	}
	return weight
}

// ComputeAffectedTopic implements dyconit.Policy.
func (p *Policy) ComputeAffectedTopic(publisher any) string {
	value, err := p.instance.Call("computeAffectedTopic", exportValue, publisherArg(publisher))
	if err != nil {
		p.fail("computeAffectedTopic", err)
		return ""
	}
	topic, ok := value.(string)
	if !ok {
		p.fail("computeAffectedTopic", fmt.Errorf("computeAffectedTopic returned %T", value))
		return ""
	}
	return topic
}

func (p *Policy) fail(function string, err error) {
	if errors.Is(err, ErrFunctionMissing) {
		return
	}
	p.failures.Add(1)
	if p.logger != nil {
		p.logger.Printf("policy script %s: %s failed: %v", p.instance.Module().Name, function, err)
	}
}

// The VM only sees plain objects built from Go maps.
func updateArg(msg *schema.Update) any {
	if msg == nil {
		return nil
	}
	return map[string]any{
		"id":      msg.ID,
		"origin":  msg.Origin,
		"kind":    string(msg.Kind),
		"x":       msg.X,
		"z":       msg.Z,
		"payload": string(msg.Payload),
	}
}

func viewportArg(view schema.Viewport) map[string]any {
	return map[string]any{"x": view.X, "z": view.Z, "radius": view.Radius}
}

func publisherArg(publisher any) any {
	switch v := publisher.(type) {
	case *schema.Update:
		return updateArg(v)
	case schema.Update:
		return updateArg(&v)
	case schema.Position:
		return map[string]any{"x": v.X, "z": v.Z}
	case schema.Viewport:
		return viewportArg(v)
	case string, int, int64, float64, bool, nil:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func exportValue(_ *goja.Runtime, value goja.Value) (any, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

func decodeCommands(value any, sub subscriber) ([]command, error) {
	if value == nil {
		return nil, nil
	}
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("commands must be an array, got %T", value)
	}
	cmds := make([]command, 0, len(items))
	var err error
	for idx, item := range items {
		cmd, cmdErr := decodeCommand(item, sub)
		if cmdErr != nil {
			err = multierr.Append(err, fmt.Errorf("command %d: %w", idx, cmdErr))
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, err
}

func decodeCommand(item any, sub subscriber) (command, error) {
	fields, ok := item.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("command must be an object, got %T", item)
	}
	op, _ := fields["op"].(string)
	topic, _ := fields["topic"].(string)
	key := sub.Key
	if named, ok := fields["subscriber"].(string); ok && named != "" {
		key = named
	}
	channel := sub.Channel
	if key != sub.Key {
		channel = nil
	}

	switch strings.ToLower(strings.TrimSpace(op)) {
	case "subscribe":
		bounds, err := decodeBounds(fields["bounds"])
		if err != nil {
			return nil, err
		}
		return dyconit.Subscribe[string, *schema.Update]{Subscriber: key, Channel: channel, Bounds: bounds, Topic: topic}, nil
	case "unsubscribe":
		return dyconit.Unsubscribe[string, *schema.Update]{Subscriber: key, Topic: topic}, nil
	case "createtopic", "create_topic":
		return dyconit.CreateTopic[string, *schema.Update]{Name: topic}, nil
	case "removetopic", "remove_topic":
		return dyconit.RemoveTopic[string, *schema.Update]{Name: topic}, nil
	case "clear":
		return dyconit.Clear[string, *schema.Update]{}, nil
	default:
		return nil, fmt.Errorf("unsupported op %q", op)
	}
}

// decodeBounds reads {staleness, numerical}. No bounds object means zero bounds;
// a missing dimension is unbounded.
func decodeBounds(raw any) (dyconit.Bounds, error) {
	if raw == nil {
		return dyconit.BoundsZero, nil
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return dyconit.Bounds{}, fmt.Errorf("bounds must be an object, got %T", raw)
	}
	bounds := dyconit.BoundsInfinite
	if v, present := fields["staleness"]; present {
		n, ok := toInt(v)
		if !ok {
			return dyconit.Bounds{}, fmt.Errorf("staleness must be a number")
		}
		bounds.Staleness = n
	}
	if v, present := fields["numerical"]; present {
		n, ok := toInt(v)
		if !ok {
			return dyconit.Bounds{}, fmt.Errorf("numerical must be a number")
		}
		bounds.Numerical = n
	}
	if err := bounds.Validate(); err != nil {
		return dyconit.Bounds{}, err
	}
	return bounds, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
