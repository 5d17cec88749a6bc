package sampler

// Contract between the agent and the runtime hooks that record call stacks.
// The agent never inspects how trees are produced; it only starts and stops
// sessions and consumes the returned trees.

// Allocation is one sampled allocation bucket observed at a call site.
type Allocation struct {
	Count     int64
	SizeBytes int64
}

// Node is one call site in a sample tree. CPU trees populate HitCount,
// allocation trees populate Allocations. Child order carries no meaning.
type Node struct {
	Name         string
	ScriptName   string
	ScriptID     int64
	LineNumber   int64
	ColumnNumber int64
	HitCount     int64
	Allocations  []Allocation
	Children     []*Node
}

// Tree is a rooted sample tree. The root is synthetic and never appears in
// serialized stacks. Timestamps are nanoseconds since the epoch and are
// populated for CPU trees only.
type Tree struct {
	Root           *Node
	StartTimeNanos int64
	EndTimeNanos   int64
}

// CPUSampler records wall-clock CPU profiles. At most one session may be
// active per name.
type CPUSampler interface {
	SetSamplingInterval(micros int64)
	Start(name string, recordSamples bool) error
	Stop(name string) (*Tree, error)
}

// HeapSampler samples the allocator. It is a process-wide singleton: Start
// begins sampling, Profile returns the allocation tree accumulated so far,
// Stop releases the sampler.
type HeapSampler interface {
	Start(intervalBytes int64, maxStackDepth int) error
	Profile() (*Tree, error)
	Stop() error
}
