package profile

import (
	"github.com/flamewire/agent/pkg/pprof"
	"github.com/flamewire/agent/pkg/sampler"
)

// SampleEmitter produces the samples for one node of the tree. The stack is
// leaf-first: stack[0] is the location of the emitting node, the last entry
// is the frame just below the root. Implementations must not mutate it.
type SampleEmitter interface {
	AppendSamples(node *sampler.Node, stack []uint64) []*pprof.Sample
}

// Builder flattens a sample tree into the pprof tables. Builders and their
// interners are single-use: one tree, one profile.
type Builder struct {
	interner *Interner
	emitter  SampleEmitter
	profile  *pprof.Profile
}

func NewBuilder(in *Interner, emitter SampleEmitter) *Builder {
	return &Builder{
		interner: in,
		emitter:  emitter,
		profile:  &pprof.Profile{},
	}
}

// Consume walks the tree depth-first and collects samples. The root itself
// is synthetic and contributes no frame: traversal starts at its children
// with empty stacks.
func (b *Builder) Consume(root *sampler.Node) {
	if root == nil {
		return
	}
	for _, child := range root.Children {
		b.visit(child, nil)
	}
}

func (b *Builder) visit(node *sampler.Node, stack []uint64) {
	id := b.interner.GetOrAddLocation(node)

	// Fresh slice per node, so sibling subtrees never see each other's
	// frames.
	path := make([]uint64, 0, len(stack)+1)
	path = append(path, id)
	path = append(path, stack...)

	b.profile.Sample = append(b.profile.Sample, b.emitter.AppendSamples(node, path)...)

	for _, child := range node.Children {
		b.visit(child, path)
	}
}

// Finish attaches the interned tables and returns the profile.
func (b *Builder) Finish() *pprof.Profile {
	b.profile.StringTable = b.interner.strings
	b.profile.Function = b.interner.functions
	b.profile.Location = b.interner.locations
	return b.profile
}

// Profile returns the profile under construction, for setting header fields
// before or after the walk.
func (b *Builder) Profile() *pprof.Profile {
	return b.profile
}
