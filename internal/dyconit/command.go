package dyconit

import "fmt"

// Command is a data-only topology intent produced by a Policy and applied by the
// System. The set of commands is closed: only the types in this file implement it.
type Command[K comparable, M any] interface {
	fmt.Stringer
	command()
}

// Subscribe adds or updates the subscription of Subscriber to Topic, creating the
// topic when needed.
type Subscribe[K comparable, M any] struct {
	Subscriber K
	Channel    MessageChannel[M]
	Bounds     Bounds
	Topic      string
}

// Unsubscribe removes the subscription of Subscriber from Topic and drops the topic
// once it is empty.
type Unsubscribe[K comparable, M any] struct {
	Subscriber K
	Topic      string
}

// CreateTopic ensures a topic exists.
type CreateTopic[K comparable, M any] struct {
	Name string
}

// RemoveTopic closes and removes a topic.
type RemoveTopic[K comparable, M any] struct {
	Name string
}

// ChangePolicy clears the System and swaps the active policy.
type ChangePolicy[K comparable, M any] struct {
	Policy Policy[K, M]
}

// Clear flushes and removes every topic.
type Clear[K comparable, M any] struct{}

func (Subscribe[K, M]) command() {}
func (Unsubscribe[K, M]) command() {}
func (CreateTopic[K, M]) command() {}
func (RemoveTopic[K, M]) command() {}
func (ChangePolicy[K, M]) command() {}
func (Clear[K, M]) command() {}

func (c Subscribe[K, M]) String() string {
	return fmt.Sprintf("subscribe(subscriber=%v topic=%s %s)", c.Subscriber, c.Topic, c.Bounds)
}

func (c Unsubscribe[K, M]) String() string {
	return fmt.Sprintf("unsubscribe(subscriber=%v topic=%s)", c.Subscriber, c.Topic)
}

func (c CreateTopic[K, M]) String() string { return "create_topic(" + c.Name + ")" }

func (c RemoveTopic[K, M]) String() string { return "remove_topic(" + c.Name + ")" }

func (c ChangePolicy[K, M]) String() string { return fmt.Sprintf("change_policy(%T)", c.Policy) }

func (Clear[K, M]) String() string { return "clear" }
