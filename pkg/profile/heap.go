package profile

import (
	"github.com/flamewire/agent/pkg/pprof"
	"github.com/flamewire/agent/pkg/sampler"
)

type heapEmitter struct{}

func (heapEmitter) AppendSamples(node *sampler.Node, stack []uint64) []*pprof.Sample {
	if len(node.Allocations) == 0 {
		return nil
	}
	samples := make([]*pprof.Sample, 0, len(node.Allocations))
	for _, alloc := range node.Allocations {
		samples = append(samples, &pprof.Sample{
			LocationID: stack,
			Value:      []int64{alloc.Count, alloc.Count * alloc.SizeBytes},
		})
	}
	return samples
}

// SerializeHeapProfile converts an allocation sample tree into a pprof
// profile. Each allocation bucket becomes its own sample with values
// [allocation count, total bytes].
func SerializeHeapProfile(tree *sampler.Tree, startTimeNanos, durationNanos, intervalBytes int64) *pprof.Profile {
	in := NewInterner()
	b := NewBuilder(in, heapEmitter{})

	p := b.Profile()
	p.SampleType = []pprof.ValueType{
		{TypeIndex: in.GetOrAddString("samples"), UnitIndex: in.GetOrAddString("count")},
		{TypeIndex: in.GetOrAddString("space"), UnitIndex: in.GetOrAddString("bytes")},
	}
	p.PeriodType = pprof.ValueType{
		TypeIndex: in.GetOrAddString("space"),
		UnitIndex: in.GetOrAddString("bytes"),
	}
	p.Period = intervalBytes
	p.TimeNanos = startTimeNanos
	p.DurationNanos = durationNanos

	b.Consume(tree.Root)
	return b.Finish()
}
