package goruntime

import (
	gprofile "github.com/google/pprof/profile"

	"github.com/flamewire/agent/pkg/sampler"
)

type frame struct {
	name     string
	filename string
	scriptID int64
	line     int64
}

// buildTree folds the flat pprof samples back into a call tree. Stacks in
// pprof samples are leaf-first; the tree wants root-first insertion, so
// each stack is walked from the end. record is invoked on the leaf node of
// every sample with that sample's values. maxDepth 0 means unlimited.
func buildTree(p *gprofile.Profile, maxDepth int, record func(leaf *sampler.Node, values []int64)) *sampler.Tree {
	root := &sampler.Node{Name: "(root)"}
	scriptIDs := make(map[string]int64)

	for _, s := range p.Sample {
		frames := sampleFrames(s, scriptIDs)
		if maxDepth > 0 && len(frames) > maxDepth {
			// Keep the leafmost frames, as the runtime does when a
			// stack outgrows its buffer.
			frames = frames[:maxDepth]
		}

		node := root
		for i := len(frames) - 1; i >= 0; i-- {
			node = childFor(node, frames[i])
		}
		if node != root {
			record(node, s.Value)
		}
	}

	return &sampler.Tree{Root: root}
}

// sampleFrames expands a sample's locations into leaf-first frames,
// flattening inlined call chains (a location's lines are leaf-first too).
func sampleFrames(s *gprofile.Sample, scriptIDs map[string]int64) []frame {
	frames := make([]frame, 0, len(s.Location))
	for _, loc := range s.Location {
		if loc == nil {
			continue
		}
		for _, line := range loc.Line {
			if line.Function == nil {
				continue
			}
			filename := line.Function.Filename
			id, ok := scriptIDs[filename]
			if !ok {
				id = int64(len(scriptIDs)) + 1
				scriptIDs[filename] = id
			}
			frames = append(frames, frame{
				name:     line.Function.Name,
				filename: filename,
				scriptID: id,
				line:     line.Line,
			})
		}
	}
	return frames
}

func childFor(parent *sampler.Node, f frame) *sampler.Node {
	for _, child := range parent.Children {
		if child.Name == f.name && child.ScriptID == f.scriptID && child.LineNumber == f.line {
			return child
		}
	}
	child := &sampler.Node{
		Name:       f.name,
		ScriptName: f.filename,
		ScriptID:   f.scriptID,
		LineNumber: f.line,
	}
	parent.Children = append(parent.Children, child)
	return child
}
