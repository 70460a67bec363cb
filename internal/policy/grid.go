package policy

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/coachpo/dyconit/internal/domain/schema"
	"github.com/coachpo/dyconit/internal/dyconit"
)

const defaultCellSize = 16

// GridConfig configures a Grid policy.
type GridConfig struct {
	// CellSize is the edge length of one cell on the plane.
	CellSize float64
	// Base is the bounds of the first ring around the viewer; ring r gets Base scaled by r.
	// The viewer's own cell is always synchronized with zero bounds.
	Base dyconit.Bounds
	// Weights overrides the numerical weight per update kind.
	Weights Weights
	// DefaultWeight applies to kinds missing from Weights.
	DefaultWeight int
}

// Grid partitions the plane into square cells, one topic per cell. Subscribers
// follow every cell within their view radius with bounds that loosen with distance.
type Grid struct {
	cfg GridConfig

	mu        sync.Mutex
	cells     map[string]map[string]struct{}
	forgotten map[string]struct{}
}

// NewGrid constructs a Grid policy.
func NewGrid(cfg GridConfig) *Grid {
	if cfg.CellSize <= 0 || math.IsNaN(cfg.CellSize) || math.IsInf(cfg.CellSize, 0) {
		cfg.CellSize = defaultCellSize
	}
	if cfg.DefaultWeight < 0 {
		cfg.DefaultWeight = 0
	}
	return &Grid{
		cfg:       cfg,
		cells:     make(map[string]map[string]struct{}),
		forgotten: make(map[string]struct{}),
	}
}

// CellTopic returns the topic name of the cell containing pos.
func (g *Grid) CellTopic(pos schema.Position) string {
	cx, cz := g.cell(pos)
	return cellTopic(cx, cz)
}

// Update subscribes the subscriber to every cell in its viewport and unsubscribes it
// from cells that left the viewport since the previous update. Subscribers without a
// viewport state are left untouched.
func (g *Grid) Update(sub Subscriber) []Command {
	view, ok := viewportOf(sub.State)
	if !ok || view.Validate() != nil {
		return nil
	}
	cx, cz := g.cell(view.Centre())

	next := make(map[string]struct{}, (2*view.Radius+1)*(2*view.Radius+1))
	cmds := make([]Command, 0, len(next))
	for dx := -view.Radius; dx <= view.Radius; dx++ {
		for dz := -view.Radius; dz <= view.Radius; dz++ {
			topic := cellTopic(cx+dx, cz+dz)
			next[topic] = struct{}{}
			cmds = append(cmds, dyconit.Subscribe[string, *schema.Update]{
				Subscriber: sub.Key,
				Channel:    sub.Channel,
				Bounds:     g.ringBounds(ring(dx, dz)),
				Topic:      topic,
			})
		}
	}

	g.mu.Lock()
	previous := g.cells[sub.Key]
	g.cells[sub.Key] = next
	delete(g.forgotten, sub.Key)
	g.mu.Unlock()

	stale := make([]string, 0)
	for topic := range previous {
		if _, keep := next[topic]; !keep {
			stale = append(stale, topic)
		}
	}
	sort.Strings(stale)
	for _, topic := range stale {
		cmds = append(cmds, dyconit.Unsubscribe[string, *schema.Update]{Subscriber: sub.Key, Topic: topic})
	}
	return cmds
}

// Forget schedules the subscriber's cell set for removal on the next GlobalUpdate.
func (g *Grid) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.cells[key]; ok {
		g.forgotten[key] = struct{}{}
	}
}

// GlobalUpdate unsubscribes forgotten subscribers from the cells they still held.
func (g *Grid) GlobalUpdate() []Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.forgotten) == 0 {
		return nil
	}
	keys := make([]string, 0, len(g.forgotten))
	for key := range g.forgotten {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var cmds []Command
	for _, key := range keys {
		topics := make([]string, 0, len(g.cells[key]))
		for topic := range g.cells[key] {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		for _, topic := range topics {
			cmds = append(cmds, dyconit.Unsubscribe[string, *schema.Update]{Subscriber: key, Topic: topic})
		}
		delete(g.cells, key)
		delete(g.forgotten, key)
	}
	return cmds
}

// Weigh implements dyconit.Policy.
func (g *Grid) Weigh(msg *schema.Update) int {
	return g.cfg.Weights.Weigh(msg, g.cfg.DefaultWeight)
}

// ComputeAffectedTopic maps an update or position to its cell topic. Unknown
// publishers map to the empty topic, which never exists.
func (g *Grid) ComputeAffectedTopic(publisher any) string {
	pos, ok := positionOf(publisher)
	if !ok {
		return ""
	}
	return g.CellTopic(pos)
}

// Name identifies the policy in control responses.
func (g *Grid) Name() string { return "grid" }

// Tracked returns the number of subscribers with a known cell set.
func (g *Grid) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cells)
}

func (g *Grid) ringBounds(r int) dyconit.Bounds {
	if r == 0 {
		return dyconit.BoundsZero
	}
	return g.cfg.Base.Scale(r)
}

func (g *Grid) cell(pos schema.Position) (int, int) {
	return int(math.Floor(pos.X / g.cfg.CellSize)), int(math.Floor(pos.Z / g.cfg.CellSize))
}

func cellTopic(cx, cz int) string {
	return fmt.Sprintf("cell:%d:%d", cx, cz)
}

func ring(dx, dz int) int {
	if dx < 0 {
		dx = -dx
	}
	if dz < 0 {
		dz = -dz
	}
	if dx > dz {
		return dx
	}
	return dz
}
