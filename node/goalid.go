package node

import (
	"fmt"
	"sync/atomic"

	"github.com/c360/rosgraph/graph"
)

// goalIDGenerator produces process-unique goal IDs: the node name, a
// monotonically increasing sequence, and a timestamp from the injected
// clock. The counter is the only process-wide mutable datum of the runtime
// and lives here as an explicit value rather than a package global.
type goalIDGenerator struct {
	name  graph.Name
	clock Clock
	seq   atomic.Uint64
}

func newGoalIDGenerator(name graph.Name, clock Clock) *goalIDGenerator {
	return &goalIDGenerator{name: name, clock: clock}
}

func (g *goalIDGenerator) next() string {
	seq := g.seq.Add(1)
	return fmt.Sprintf("%s-%d-%d", g.name, seq, g.clock().UnixNano())
}

// NextGoalID returns a new process-unique goal ID.
func (n *Node) NextGoalID() string {
	return n.goalIDs.next()
}
