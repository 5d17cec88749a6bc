package profile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flamewire/agent/pkg/sampler"
)

func TestSerializeHeapProfileAllocations(t *testing.T) {
	tree := &sampler.Tree{Root: &sampler.Node{
		Children: []*sampler.Node{{
			Name:       "alloc",
			ScriptName: "m.js",
			ScriptID:   1,
			LineNumber: 4,
			Allocations: []sampler.Allocation{
				{Count: 2, SizeBytes: 8},
				{Count: 1, SizeBytes: 16},
			},
		}},
	}}

	p := SerializeHeapProfile(tree, 77, 0, 512*1024)

	require.Equal(t, []string{"", "samples", "count", "space", "bytes"}, p.StringTable[:5])
	require.Len(t, p.Sample, 2)
	require.Equal(t, []int64{2, 16}, p.Sample[0].Value)
	require.Equal(t, []int64{1, 16}, p.Sample[1].Value)
	require.Equal(t, []uint64{1}, p.Sample[0].LocationID)
	require.Equal(t, []uint64{1}, p.Sample[1].LocationID)

	require.Equal(t, int64(77), p.TimeNanos)
	require.Equal(t, int64(0), p.DurationNanos)
	require.Equal(t, int64(512*1024), p.Period)
	require.Equal(t, "space", p.StringTable[p.PeriodType.TypeIndex])
	require.Equal(t, "bytes", p.StringTable[p.PeriodType.UnitIndex])
}

func TestHeapByteSumPreserved(t *testing.T) {
	tree := &sampler.Tree{Root: &sampler.Node{
		Children: []*sampler.Node{
			{Name: "a", ScriptID: 1, LineNumber: 1,
				Allocations: []sampler.Allocation{{Count: 3, SizeBytes: 32}},
				Children: []*sampler.Node{
					{Name: "b", ScriptID: 1, LineNumber: 2,
						Allocations: []sampler.Allocation{{Count: 5, SizeBytes: 8}, {Count: 1, SizeBytes: 128}}},
				}},
		},
	}}

	p := SerializeHeapProfile(tree, 0, 0, 1024)

	var bytes int64
	for _, s := range p.Sample {
		bytes += s.Value[1]
	}
	require.Equal(t, int64(3*32+5*8+1*128), bytes)
}

func TestHeapNodesWithoutAllocationsEmitNothing(t *testing.T) {
	tree := &sampler.Tree{Root: &sampler.Node{
		Children: []*sampler.Node{{
			Name: "quiet", ScriptID: 1, LineNumber: 1,
			Children: []*sampler.Node{{
				Name: "busy", ScriptID: 1, LineNumber: 2,
				Allocations: []sampler.Allocation{{Count: 1, SizeBytes: 4}},
			}},
		}},
	}}

	p := SerializeHeapProfile(tree, 0, 0, 1024)

	require.Len(t, p.Sample, 1)
	// The quiet parent still contributes its frame to the child's stack.
	require.Len(t, p.Sample[0].LocationID, 2)
}
