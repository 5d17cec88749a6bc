// Package goruntime adapts the Go runtime profilers to the sampler
// contract. Profiles come out of runtime/pprof already serialized; they are
// parsed back into call trees so the host application can be profiled by
// the same pipeline as any other runtime.
package goruntime

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	gprofile "github.com/google/pprof/profile"

	"github.com/flamewire/agent/pkg/sampler"
)

// The runtime pins CPU profiling at 100 Hz unless told otherwise before a
// session starts.
const defaultCPUIntervalMicros = 10000

////////////////////////////////////////////////////////////////////////////////

// CPUSampler drives runtime/pprof CPU profiling. The runtime supports a
// single CPU profile per process, so one session at a time regardless of
// name.
type CPUSampler struct {
	mu sync.Mutex

	intervalMicros int64
	active         string
	buf            bytes.Buffer
	startedAt      time.Time
}

func NewCPUSampler() *CPUSampler {
	return &CPUSampler{intervalMicros: defaultCPUIntervalMicros}
}

func (s *CPUSampler) SetSamplingInterval(micros int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if micros > 0 {
		s.intervalMicros = micros
	}
}

func (s *CPUSampler) Start(name string, recordSamples bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" {
		return fmt.Errorf("cpu session %q already active", s.active)
	}

	if s.intervalMicros != defaultCPUIntervalMicros {
		// Must land before StartCPUProfile; the runtime refuses rate
		// changes while a profile is running.
		runtime.SetCPUProfileRate(int(1000000 / s.intervalMicros))
	}
	s.buf.Reset()
	if err := runtimepprof.StartCPUProfile(&s.buf); err != nil {
		return err
	}
	s.active = name
	s.startedAt = time.Now()
	return nil
}

func (s *CPUSampler) Stop(name string) (*sampler.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != name {
		return nil, fmt.Errorf("no active cpu session %q", name)
	}
	runtimepprof.StopCPUProfile()
	s.active = ""
	stoppedAt := time.Now()

	parsed, err := gprofile.Parse(&s.buf)
	if err != nil {
		return nil, fmt.Errorf("parse cpu profile: %w", err)
	}

	tree := buildTree(parsed, 0, func(leaf *sampler.Node, values []int64) {
		leaf.HitCount += values[0]
	})
	tree.StartTimeNanos = s.startedAt.UnixNano()
	tree.EndTimeNanos = stoppedAt.UnixNano()
	return tree, nil
}

////////////////////////////////////////////////////////////////////////////////

// HeapSampler snapshots the runtime heap profile. Start adjusts the
// process-wide MemProfileRate; allocations made before the agent started
// keep their original sampling rate.
type HeapSampler struct {
	mu sync.Mutex

	running      bool
	maxDepth     int
	previousRate int
}

func NewHeapSampler() *HeapSampler {
	return &HeapSampler{}
}

func (s *HeapSampler) Start(intervalBytes int64, maxStackDepth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("heap sampler already running")
	}
	s.previousRate = runtime.MemProfileRate
	runtime.MemProfileRate = int(intervalBytes)
	s.maxDepth = maxStackDepth
	s.running = true
	return nil
}

func (s *HeapSampler) Profile() (*sampler.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, errors.New("heap sampler is not running")
	}

	var buf bytes.Buffer
	if err := runtimepprof.Lookup("heap").WriteTo(&buf, 0); err != nil {
		return nil, err
	}
	parsed, err := gprofile.Parse(&buf)
	if err != nil {
		return nil, fmt.Errorf("parse heap profile: %w", err)
	}

	objects, space, err := heapValueIndexes(parsed)
	if err != nil {
		return nil, err
	}
	tree := buildTree(parsed, s.maxDepth, func(leaf *sampler.Node, values []int64) {
		count := values[objects]
		if count <= 0 {
			return
		}
		leaf.Allocations = append(leaf.Allocations, sampler.Allocation{
			Count:     count,
			SizeBytes: values[space] / count,
		})
	})
	return tree, nil
}

func (s *HeapSampler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	runtime.MemProfileRate = s.previousRate
	s.running = false
	return nil
}

func heapValueIndexes(p *gprofile.Profile) (objects, space int, err error) {
	objects, space = -1, -1
	for i, st := range p.SampleType {
		switch st.Type {
		case "inuse_objects":
			objects = i
		case "inuse_space":
			space = i
		}
	}
	if objects < 0 || space < 0 {
		return 0, 0, errors.New("heap profile lacks inuse sample types")
	}
	return objects, space, nil
}
