package agent_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flamewire/agent/pkg/agent"
	"github.com/flamewire/agent/pkg/client"
	"github.com/flamewire/agent/pkg/config"
	"github.com/flamewire/agent/pkg/sampler"
	"github.com/flamewire/agent/pkg/sampler/samplertest"
)

func testConfig() *config.Config {
	conf := &config.Config{
		ProjectID:                  "proj",
		ServiceContext:             config.ServiceContext{Service: "svc"},
		Zone:                       "zone-a",
		Instance:                   "vm-1",
		BackoffMillis:              20,
		MinProfilingIntervalMillis: 1,
	}
	conf.FillDefault()
	return conf
}

func testTree() *sampler.Tree {
	return &sampler.Tree{
		Root: &sampler.Node{
			Children: []*sampler.Node{{
				Name:       "work",
				ScriptName: "work.go",
				ScriptID:   1,
				LineNumber: 12,
				HitCount:   5,
				Allocations: []sampler.Allocation{
					{Count: 1, SizeBytes: 64},
				},
			}},
		},
		StartTimeNanos: 1,
		EndTimeNanos:   2,
	}
}

func newTestAgent(t *testing.T, conf *config.Config, baseURL string, hc *http.Client, opts ...agent.Option) *agent.Agent {
	t.Helper()
	opts = append(opts, agent.WithLogger(zap.NewNop()), agent.WithMetricsRegistry(prometheus.NewRegistry()))
	a, err := agent.NewAgent(conf, client.NewClient(baseURL, hc, zap.NewNop()), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func runAgent(t *testing.T, a *agent.Agent) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	return func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("agent did not stop")
		}
	}
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// The server fails the poll twice, then hands out an assignment: the agent
// must space its retries by at least the configured backoff, collect once
// and upload once.
func TestPollRetryThenUpload(t *testing.T) {
	var mu sync.Mutex
	var postTimes []time.Time
	patched := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			mu.Lock()
			postTimes = append(postTimes, time.Now())
			n := len(postTimes)
			mu.Unlock()
			switch {
			case n <= 2:
				w.WriteHeader(http.StatusServiceUnavailable)
			case n == 3:
				json.NewEncoder(w).Encode(&client.Profile{
					Name:        "projects/proj/profiles/p1",
					ProfileType: client.ProfileTypeWall,
					Duration:    "20ms",
				})
			default:
				// Hold later polls open like the real control plane. The
				// body is drained first: the server only notices the
				// client hanging up once the request body has been read.
				io.Copy(io.Discard, r.Body)
				<-r.Context().Done()
			}
		case http.MethodPatch:
			select {
			case patched <- struct{}{}:
			default:
			}
		}
	}))
	defer srv.Close()

	cpu := &samplertest.FakeCPUSampler{Tree: testTree()}
	conf := testConfig()
	conf.DisableHeap = true

	a := newTestAgent(t, conf, srv.URL, srv.Client(), agent.WithCPUSampler(cpu))
	stop := runAgent(t, a)
	defer stop()

	wait(t, patched, "upload")

	mu.Lock()
	times := append([]time.Time(nil), postTimes...)
	mu.Unlock()
	require.GreaterOrEqual(t, len(times), 3)
	require.GreaterOrEqual(t, times[1].Sub(times[0]), 20*time.Millisecond)
	require.GreaterOrEqual(t, times[2].Sub(times[1]), 20*time.Millisecond)

	require.Len(t, cpu.Started, 1)
	require.Len(t, cpu.Stopped, 1)
	require.Equal(t, int64(config.DefaultTimeIntervalMicros), cpu.IntervalMicros)
}

// A failed upload is logged and dropped; the loop must reach the next poll.
func TestUploadFailureIsSwallowed(t *testing.T) {
	var mu sync.Mutex
	patches := 0
	secondPatch := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			json.NewEncoder(w).Encode(&client.Profile{
				Name:        "projects/proj/profiles/p1",
				ProfileType: client.ProfileTypeHeap,
			})
		case http.MethodPatch:
			mu.Lock()
			patches++
			if patches == 2 {
				close(secondPatch)
			}
			mu.Unlock()
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	heap := &samplertest.FakeHeapSampler{Tree: testTree()}
	conf := testConfig()
	conf.DisableTime = true

	a := newTestAgent(t, conf, srv.URL, srv.Client(), agent.WithHeapSampler(heap))
	require.Equal(t, 1, heap.StartCount, "heap sampling starts with the agent")

	stop := runAgent(t, a)
	defer stop()

	wait(t, secondPatch, "second upload attempt")
	stop()
	require.GreaterOrEqual(t, heap.ProfileCount, 2)
}

// With heap disabled the poll must offer WALL only and no heap sampler is
// ever touched.
func TestDisabledHeapExcludedFromPoll(t *testing.T) {
	polled := make(chan struct{})
	var once sync.Once
	var body struct {
		ProfileType []string `json:"profileType"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			return
		}
		once.Do(func() {
			_ = json.NewDecoder(r.Body).Decode(&body)
			close(polled)
		})
		<-r.Context().Done()
	}))
	defer srv.Close()

	cpu := &samplertest.FakeCPUSampler{Tree: testTree()}
	conf := testConfig()
	conf.DisableHeap = true

	a := newTestAgent(t, conf, srv.URL, srv.Client(), agent.WithCPUSampler(cpu))
	stop := runAgent(t, a)
	defer stop()

	wait(t, polled, "poll")
	require.Equal(t, []string{"WALL"}, body.ProfileType)
}

// Assignments the agent cannot honor end the iteration without an upload;
// the next poll still fires.
func TestUnsupportedAssignmentsSkipUpload(t *testing.T) {
	for _, tc := range []struct {
		name        string
		profileType client.ProfileType
	}{
		{"disabled heap", client.ProfileTypeHeap},
		{"unknown type", client.ProfileType("THREADS")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var mu sync.Mutex
			posts := 0
			patches := 0
			secondPost := make(chan struct{})

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.Method {
				case http.MethodPost:
					mu.Lock()
					posts++
					n := posts
					mu.Unlock()
					if n == 1 {
						json.NewEncoder(w).Encode(&client.Profile{
							Name:        "projects/proj/profiles/p1",
							ProfileType: tc.profileType,
						})
						return
					}
					if n == 2 {
						close(secondPost)
					}
					io.Copy(io.Discard, r.Body)
					<-r.Context().Done()
				case http.MethodPatch:
					mu.Lock()
					patches++
					mu.Unlock()
				}
			}))
			defer srv.Close()

			cpu := &samplertest.FakeCPUSampler{Tree: testTree()}
			conf := testConfig()
			conf.DisableHeap = true

			a := newTestAgent(t, conf, srv.URL, srv.Client(), agent.WithCPUSampler(cpu))
			stop := runAgent(t, a)
			defer stop()

			wait(t, secondPost, "second poll")
			mu.Lock()
			defer mu.Unlock()
			require.Zero(t, patches)
		})
	}
}

// The server-assigned duration wins over the built-in default.
func TestServerDurationHonored(t *testing.T) {
	patched := make(chan struct{}, 1)
	var mu sync.Mutex
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			mu.Lock()
			posts++
			n := posts
			mu.Unlock()
			if n > 1 {
				io.Copy(io.Discard, r.Body)
				<-r.Context().Done()
				return
			}
			json.NewEncoder(w).Encode(&client.Profile{
				Name:        "projects/proj/profiles/p1",
				ProfileType: client.ProfileTypeWall,
				Duration:    "0.05s",
			})
		case http.MethodPatch:
			select {
			case patched <- struct{}{}:
			default:
			}
		}
	}))
	defer srv.Close()

	cpu := &samplertest.FakeCPUSampler{Tree: testTree()}
	conf := testConfig()
	conf.DisableHeap = true

	a := newTestAgent(t, conf, srv.URL, srv.Client(), agent.WithCPUSampler(cpu))
	stop := runAgent(t, a)
	defer stop()

	started := time.Now()
	wait(t, patched, "upload")
	// Far below the 10 s default: the 50 ms assignment was used.
	require.Less(t, time.Since(started), 5*time.Second)
	require.Len(t, cpu.Stopped, 1)
}

func TestNewAgentRequiresSamplers(t *testing.T) {
	conf := testConfig()
	_, err := agent.NewAgent(conf, client.NewClient("http://localhost", &http.Client{}, zap.NewNop()),
		agent.WithLogger(zap.NewNop()), agent.WithMetricsRegistry(prometheus.NewRegistry()))
	require.Error(t, err)

	conf = testConfig()
	conf.DisableTime = true
	_, err = agent.NewAgent(conf, client.NewClient("http://localhost", &http.Client{}, zap.NewNop()),
		agent.WithLogger(zap.NewNop()), agent.WithMetricsRegistry(prometheus.NewRegistry()))
	require.Error(t, err, "heap enabled but no heap sampler")
}
