package samplertest

import (
	"fmt"
	"sync"

	"github.com/flamewire/agent/pkg/sampler"
)

// FakeCPUSampler is a scripted CPUSampler. Stop returns the configured tree
// regardless of name, while enforcing the one-session-per-name contract.
type FakeCPUSampler struct {
	mu sync.Mutex

	Tree *sampler.Tree
	Err  error

	IntervalMicros int64
	Started        []string
	Stopped        []string

	active map[string]bool
}

func (f *FakeCPUSampler) SetSamplingInterval(micros int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.IntervalMicros = micros
}

func (f *FakeCPUSampler) Start(name string, recordSamples bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		f.active = make(map[string]bool)
	}
	if f.active[name] {
		return fmt.Errorf("session %q already active", name)
	}
	f.active[name] = true
	f.Started = append(f.Started, name)
	return nil
}

func (f *FakeCPUSampler) Stop(name string) (*sampler.Tree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[name] {
		return nil, fmt.Errorf("no session %q", name)
	}
	delete(f.active, name)
	f.Stopped = append(f.Stopped, name)
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Tree, nil
}

// FakeHeapSampler is a scripted HeapSampler.
type FakeHeapSampler struct {
	mu sync.Mutex

	Tree *sampler.Tree
	Err  error

	IntervalBytes int64
	MaxStackDepth int
	StartCount    int
	StopCount     int
	ProfileCount  int

	running bool
}

func (f *FakeHeapSampler) Start(intervalBytes int64, maxStackDepth int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return fmt.Errorf("heap sampler already running")
	}
	f.running = true
	f.IntervalBytes = intervalBytes
	f.MaxStackDepth = maxStackDepth
	f.StartCount++
	return nil
}

func (f *FakeHeapSampler) Profile() (*sampler.Tree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ProfileCount++
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Tree, nil
}

func (f *FakeHeapSampler) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.StopCount++
	return nil
}
