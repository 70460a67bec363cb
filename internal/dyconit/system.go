package dyconit

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/coachpo/dyconit/internal/domain/errs"
)

// System routes published messages to topics chosen by the active Policy and keeps
// the registry of topics, the reverse subscriber index and the per-subscriber
// filtered channels.
//
// Registry structure is guarded by one RWMutex: Publish, Synchronize and the read
// accessors share it; subscribe, unsubscribe, topic creation and removal, Clear and
// policy changes take it exclusively, so nothing ever observes a half-cleared registry.
type System[K comparable, M any] struct {
	settings settings
	filter   Filter[K, M]

	mu       sync.RWMutex
	policy   Policy[K, M]
	topics   map[string]*Dyconit[K, M]
	subs     map[K]map[string]*Dyconit[K, M]
	channels map[K]*filteredChannel[K, M]
}

// New constructs a System around policy and filter. A nil filter lets everything through.
func New[K comparable, M any](policy Policy[K, M], filter Filter[K, M], opts ...Option) *System[K, M] {
	if filter == nil {
		filter = AllowAll[K, M]()
	}
	return &System[K, M]{
		settings: newSettings(opts),
		filter:   filter,
		policy:   policy,
		topics:   make(map[string]*Dyconit[K, M]),
		subs:     make(map[K]map[string]*Dyconit[K, M]),
		channels: make(map[K]*filteredChannel[K, M]),
	}
}

// Policy returns the active policy.
func (s *System[K, M]) Policy() Policy[K, M] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Filter returns the visibility filter.
func (s *System[K, M]) Filter() Filter[K, M] { return s.filter }

// Publish asks the policy for the topic affected by publisher and, when that topic
// exists, fans msg out with the policy's weight. It reports whether a topic received
// the message. Publishing to a missing topic is not an error.
func (s *System[K, M]) Publish(publisher any, msg M) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.policy == nil {
		return false
	}
	topic, ok := s.topics[s.policy.ComputeAffectedTopic(publisher)]
	if !ok {
		return false
	}
	topic.AddMessage(NewMessage(msg, s.policy.Weigh(msg)))
	return true
}

// PublishTo fans msg out to the named topic, bypassing topic placement.
func (s *System[K, M]) PublishTo(name string, msg M) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topic, ok := s.topics[name]
	if !ok {
		return false
	}
	weight := 1
	if s.policy != nil {
		weight = s.policy.Weigh(msg)
	}
	topic.AddMessage(NewMessage(msg, weight))
	return true
}

// Subscribe subscribes key to the named topic, creating the topic when needed. A
// second call for the same pair updates bounds and channel in place.
func (s *System[K, M]) Subscribe(key K, channel MessageChannel[M], bounds Bounds, name string) error {
	if err := validateTopicName(name); err != nil {
		return err
	}
	if err := bounds.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeLocked(key, channel, bounds, name)
	return nil
}

// Unsubscribe removes key from the named topic and drops the topic when it becomes
// empty. It reports whether a subscription was removed.
func (s *System[K, M]) Unsubscribe(key K, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	topic, ok := s.topics[name]
	if !ok {
		return false
	}
	return s.unsubscribeLocked(key, topic)
}

// UnsubscribeAll removes key from every topic it belongs to and returns the count.
func (s *System[K, M]) UnsubscribeAll(key K) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	joined := s.subs[key]
	topics := make([]*Dyconit[K, M], 0, len(joined))
	for _, topic := range joined {
		topics = append(topics, topic)
	}
	removed := 0
	for _, topic := range topics {
		if s.unsubscribeLocked(key, topic) {
			removed++
		}
	}
	delete(s.subs, key)
	delete(s.channels, key)
	return removed
}

// Update asks the policy how sub should be subscribed and applies the commands.
func (s *System[K, M]) Update(sub Subscriber[K, M]) error {
	policy := s.Policy()
	if policy == nil {
		return nil
	}
	return s.Apply(policy.Update(sub)...)
}

// GlobalUpdate applies the policy's subscriber-independent commands.
func (s *System[K, M]) GlobalUpdate() error {
	policy := s.Policy()
	if policy == nil {
		return nil
	}
	return s.Apply(policy.GlobalUpdate()...)
}

// Apply executes commands in order. Invalid commands are skipped and reported; the
// remaining commands are still applied.
func (s *System[K, M]) Apply(cmds ...Command[K, M]) error {
	var err error
	for _, cmd := range cmds {
		err = multierr.Append(err, s.apply(cmd))
	}
	return err
}

func (s *System[K, M]) apply(cmd Command[K, M]) error {
	switch c := cmd.(type) {
	case nil:
		return nil
	case Subscribe[K, M]:
		return s.Subscribe(c.Subscriber, c.Channel, c.Bounds, c.Topic)
	case Unsubscribe[K, M]:
		s.Unsubscribe(c.Subscriber, c.Topic)
		return nil
	case CreateTopic[K, M]:
		if err := validateTopicName(c.Name); err != nil {
			return err
		}
		s.GetOrCreateTopic(c.Name)
		return nil
	case RemoveTopic[K, M]:
		s.RemoveTopic(c.Name)
		return nil
	case ChangePolicy[K, M]:
		if c.Policy == nil {
			return errs.New("dyconit/apply", errs.CodeInvalid, errs.WithMessage("change policy requires a policy"))
		}
		s.SetPolicy(c.Policy)
		return nil
	case Clear[K, M]:
		s.Clear()
		return nil
	default:
		return errs.New("dyconit/apply", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unsupported command %T", cmd)))
	}
}

// Synchronize sweeps every subscription and commits each subscriber's channel once.
func (s *System[K, M]) Synchronize() Error {
	report, _ := s.Sweep()
	return report
}

// Sweep is Synchronize that also returns the delivery failures it contained.
func (s *System[K, M]) Sweep() (Error, error) {
	start := s.settings.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]*Dyconit[K, M], 0, len(s.topics))
	for _, topic := range s.topics {
		topics = append(topics, topic)
	}
	now := s.settings.clock.Now()

	total := ErrorZero
	var err error
	if len(topics) < s.settings.parallelThreshold || s.settings.fanoutWorkers <= 1 {
		for _, topic := range topics {
			report, topicErr := topic.synchronize(now)
			total = total.Combine(report)
			err = multierr.Append(err, topicErr)
		}
	} else {
		var mu sync.Mutex
		p := pool.New().WithMaxGoroutines(s.settings.fanoutWorkers)
		for _, topic := range topics {
			t := topic
			p.Go(func() {
				report, topicErr := t.synchronize(now)
				mu.Lock()
				total = total.Combine(report)
				err = multierr.Append(err, topicErr)
				mu.Unlock()
			})
		}
		p.Wait()
	}

	for _, channel := range s.channels {
		err = multierr.Append(err, s.commit(channel))
	}

	s.settings.observer.SweepCompleted(total, s.settings.clock.Since(start))
	return total, err
}

// Clear flushes and removes every topic and resets the reverse index.
func (s *System[K, M]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// SetPolicy clears all state and installs policy.
func (s *System[K, M]) SetPolicy(policy Policy[K, M]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	s.policy = policy
}

// Topic returns the named topic. Subscriptions should be added through the System;
// RemoveSubscription on the returned topic is routed back through it.
func (s *System[K, M]) Topic(name string) (*Dyconit[K, M], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topic, ok := s.topics[name]
	return topic, ok
}

// GetOrCreateTopic returns the named topic, creating it when absent.
func (s *System[K, M]) GetOrCreateTopic(name string) *Dyconit[K, M] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topicLocked(name)
}

// RemoveTopic closes and removes the named topic. It reports whether it existed.
func (s *System[K, M]) RemoveTopic(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	topic, ok := s.topics[name]
	if !ok {
		return false
	}
	s.removeTopicLocked(topic)
	return true
}

// CountTopics returns the number of live topics.
func (s *System[K, M]) CountTopics() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics)
}

// Topics returns every live topic in no particular order.
func (s *System[K, M]) Topics() []*Dyconit[K, M] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Dyconit[K, M], 0, len(s.topics))
	for _, topic := range s.topics {
		out = append(out, topic)
	}
	return out
}

// TopicsFor returns the topics key is subscribed to.
func (s *System[K, M]) TopicsFor(key K) []*Dyconit[K, M] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	joined := s.subs[key]
	out := make([]*Dyconit[K, M], 0, len(joined))
	for _, topic := range joined {
		out = append(out, topic)
	}
	return out
}

func (s *System[K, M]) subscribeLocked(key K, channel MessageChannel[M], bounds Bounds, name string) {
	filtered, ok := s.channels[key]
	if !ok {
		filtered = newFilteredChannel[K, M](key, channel, s.currentFilter)
		s.channels[key] = filtered
	} else if channel != nil {
		filtered.rebind(channel)
	}
	topic := s.topicLocked(name)
	topic.AddSubscription(key, bounds, filtered)

	joined, ok := s.subs[key]
	if !ok {
		joined = make(map[string]*Dyconit[K, M])
		s.subs[key] = joined
	}
	joined[name] = topic
}

func (s *System[K, M]) unsubscribeLocked(key K, topic *Dyconit[K, M]) bool {
	removed := topic.removeSubscription(key)
	if joined, ok := s.subs[key]; ok {
		delete(joined, topic.Name())
		if len(joined) == 0 {
			delete(s.subs, key)
		}
	}
	if channel, ok := s.channels[key]; ok {
		_ = s.commit(channel)
		if _, still := s.subs[key]; !still {
			delete(s.channels, key)
		}
	}
	if topic.CountSubscribers() == 0 {
		if current, ok := s.topics[topic.Name()]; ok && current == topic {
			s.removeTopicLocked(topic)
		}
	}
	return removed
}

func (s *System[K, M]) topicLocked(name string) *Dyconit[K, M] {
	if topic, ok := s.topics[name]; ok {
		return topic
	}
	topic := newDyconit[K, M](name, s.settings)
	topic.unsubscribe = func(key K) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if current, ok := s.topics[name]; !ok || current != topic {
			return topic.removeSubscription(key)
		}
		return s.unsubscribeLocked(key, topic)
	}
	s.topics[name] = topic
	s.settings.observer.TopicCreated(name)
	return topic
}

func (s *System[K, M]) removeTopicLocked(topic *Dyconit[K, M]) {
	name := topic.Name()
	delete(s.topics, name)
	members := topic.Subscribers()
	topic.Close()
	for _, key := range members {
		if joined, ok := s.subs[key]; ok {
			delete(joined, name)
			if len(joined) == 0 {
				delete(s.subs, key)
			}
		}
		if channel, ok := s.channels[key]; ok {
			_ = s.commit(channel)
			if _, still := s.subs[key]; !still {
				delete(s.channels, key)
			}
		}
	}
	s.settings.observer.TopicRemoved(name)
}

func (s *System[K, M]) clearLocked() {
	topics := make([]*Dyconit[K, M], 0, len(s.topics))
	for _, topic := range s.topics {
		topics = append(topics, topic)
	}
	for _, topic := range topics {
		topic.Close()
		s.settings.observer.TopicRemoved(topic.Name())
	}
	for _, channel := range s.channels {
		_ = s.commit(channel)
	}
	s.topics = make(map[string]*Dyconit[K, M])
	s.subs = make(map[K]map[string]*Dyconit[K, M])
	s.channels = make(map[K]*filteredChannel[K, M])
}

func (s *System[K, M]) currentFilter() Filter[K, M] { return s.filter }

func (s *System[K, M]) commit(channel *filteredChannel[K, M]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.New("dyconit/commit", errs.CodeInternal,
				errs.WithMessage(fmt.Sprintf("channel panic: %v", rec)),
				errs.WithField("subscriber", fmt.Sprint(channel.key)))
		}
		if err != nil {
			s.settings.observer.DeliveryFailed("", err)
		}
	}()
	if commitErr := channel.commit(); commitErr != nil {
		return errs.New("dyconit/commit", errs.CodeDelivery,
			errs.WithCause(commitErr),
			errs.WithField("subscriber", fmt.Sprint(channel.key)))
	}
	return nil
}

func validateTopicName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errs.New("dyconit/topic", errs.CodeInvalid, errs.WithMessage("topic name required"))
	}
	return nil
}
