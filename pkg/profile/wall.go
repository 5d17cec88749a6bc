package profile

import (
	"github.com/flamewire/agent/pkg/pprof"
	"github.com/flamewire/agent/pkg/sampler"
)

type timeEmitter struct {
	intervalMicros int64
}

func (e timeEmitter) AppendSamples(node *sampler.Node, stack []uint64) []*pprof.Sample {
	if node.HitCount == 0 {
		return nil
	}
	return []*pprof.Sample{{
		LocationID: stack,
		Value:      []int64{node.HitCount, node.HitCount * e.intervalMicros},
	}}
}

// SerializeTimeProfile converts a CPU sample tree into a pprof profile.
// Values are [sample count, time in microseconds] with the time derived
// from the sampling interval.
func SerializeTimeProfile(tree *sampler.Tree, intervalMicros int64) *pprof.Profile {
	in := NewInterner()
	b := NewBuilder(in, timeEmitter{intervalMicros: intervalMicros})

	p := b.Profile()
	p.SampleType = []pprof.ValueType{
		{TypeIndex: in.GetOrAddString("samples"), UnitIndex: in.GetOrAddString("count")},
		{TypeIndex: in.GetOrAddString("time"), UnitIndex: in.GetOrAddString("microseconds")},
	}
	p.PeriodType = pprof.ValueType{
		TypeIndex: in.GetOrAddString("time"),
		UnitIndex: in.GetOrAddString("microseconds"),
	}
	p.Period = intervalMicros
	p.TimeNanos = tree.StartTimeNanos
	p.DurationNanos = tree.EndTimeNanos - tree.StartTimeNanos

	b.Consume(tree.Root)
	return b.Finish()
}
