package profile

import (
	"github.com/flamewire/agent/pkg/pprof"
	"github.com/flamewire/agent/pkg/sampler"
)

// Interner deduplicates strings, functions and locations into the flat
// pprof tables. IDs for functions and locations are their position in the
// table plus one; ID 0 is never handed out. String indices are positions
// directly, with index 0 seeded to "".
//
// Functions are keyed by (scriptID, name) rather than name alone: two
// modules can define a function with the same name, and call sites must
// fold together only when they originate from the same script.

type functionKey struct {
	scriptID int64
	name     string
}

type locationKey struct {
	scriptID int64
	line     int64
	column   int64
	name     string
}

type Interner struct {
	strings   []string
	stringIDs map[string]int64

	functions   []pprof.Function
	functionIDs map[functionKey]uint64

	locations   []pprof.Location
	locationIDs map[locationKey]uint64
}

func NewInterner() *Interner {
	in := &Interner{
		stringIDs:   make(map[string]int64),
		functionIDs: make(map[functionKey]uint64),
		locationIDs: make(map[locationKey]uint64),
	}
	in.GetOrAddString("")
	return in
}

func (in *Interner) GetOrAddString(s string) int64 {
	if id, ok := in.stringIDs[s]; ok {
		return id
	}
	id := int64(len(in.strings))
	in.strings = append(in.strings, s)
	in.stringIDs[s] = id
	return id
}

func (in *Interner) GetOrAddFunction(node *sampler.Node) uint64 {
	key := functionKey{scriptID: node.ScriptID, name: node.Name}
	if id, ok := in.functionIDs[key]; ok {
		return id
	}
	nameIndex := in.GetOrAddString(node.Name)
	id := uint64(len(in.functions)) + 1
	in.functions = append(in.functions, pprof.Function{
		ID:              id,
		NameIndex:       nameIndex,
		SystemNameIndex: nameIndex,
		FilenameIndex:   in.GetOrAddString(node.ScriptName),
		StartLine:       node.LineNumber,
	})
	in.functionIDs[key] = id
	return id
}

func (in *Interner) GetOrAddLocation(node *sampler.Node) uint64 {
	key := locationKey{
		scriptID: node.ScriptID,
		line:     node.LineNumber,
		column:   node.ColumnNumber,
		name:     node.Name,
	}
	if id, ok := in.locationIDs[key]; ok {
		return id
	}
	id := uint64(len(in.locations)) + 1
	in.locations = append(in.locations, pprof.Location{
		ID: id,
		Line: []pprof.Line{{
			FunctionID: in.GetOrAddFunction(node),
			Line:       node.LineNumber,
		}},
	})
	in.locationIDs[key] = id
	return id
}
