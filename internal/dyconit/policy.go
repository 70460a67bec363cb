package dyconit

// Subscriber is a subscriber key, its raw output channel and its latest state as
// reported by the host (for example a viewport). Policies read State to decide
// which topics the subscriber should belong to.
type Subscriber[K comparable, M any] struct {
	Key     K
	Channel MessageChannel[M]
	State   any
}

// Policy decides topic placement, message weights and subscription topology.
// The System never lets a Policy mutate it directly; topology changes are returned
// as Commands and applied in order.
type Policy[K comparable, M any] interface {
	// Update returns the commands that reconcile the subscriber with its latest state.
	Update(sub Subscriber[K, M]) []Command[K, M]
	// GlobalUpdate returns periodic subscriber-independent commands.
	GlobalUpdate() []Command[K, M]
	// Weigh assigns the numerical-error weight of msg. Negative values count as zero.
	Weigh(msg M) int
	// ComputeAffectedTopic maps a publisher to the topic its messages target.
	ComputeAffectedTopic(publisher any) string
}

// Filter is a per-subscriber visibility predicate applied beneath the bounds layer.
type Filter[K comparable, M any] interface {
	Filter(key K, msg M) bool
}

// FilterFunc adapts a function into a Filter.
type FilterFunc[K comparable, M any] func(key K, msg M) bool

// Filter implements Filter.
func (f FilterFunc[K, M]) Filter(key K, msg M) bool { return f(key, msg) }

// AllowAll returns a Filter that lets every message through.
func AllowAll[K comparable, M any]() Filter[K, M] {
	return FilterFunc[K, M](func(K, M) bool { return true })
}
