package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/flamewire/agent/pkg/client"
	"github.com/flamewire/agent/pkg/config"
	"github.com/flamewire/agent/pkg/profile"
	"github.com/flamewire/agent/pkg/sampler"
)

// DefaultProfileDuration is used when the server assignment carries no
// usable duration.
const DefaultProfileDuration = 10 * time.Second

const (
	zoneLabel     = "zone"
	versionLabel  = "version"
	languageLabel = "language"
	instanceLabel = "instance"
)

var (
	ErrTimeProfilerDisabled = errors.New("wall profiling is disabled by configuration")
	ErrHeapProfilerDisabled = errors.New("heap profiling is disabled by configuration")
)

// The samplers are process-global; two agents in one process would fight
// over them.
var agentActive atomic.Bool

////////////////////////////////////////////////////////////////////////////////

type agentMetrics struct {
	profilesCollected *prometheus.CounterVec
	collectFailures   prometheus.Counter
	profilesUploaded  prometheus.Counter
	uploadFailures    prometheus.Counter
	pollRetries       prometheus.Counter
}

func newAgentMetrics(r prometheus.Registerer) agentMetrics {
	return agentMetrics{
		profilesCollected: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "profiler_agent_profiles_collected_total",
			Help: "Profiles collected, by profile type.",
		}, []string{"type"}),
		collectFailures: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "profiler_agent_collect_failures_total",
			Help: "Collection attempts that produced no profile.",
		}),
		profilesUploaded: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "profiler_agent_profiles_uploaded_total",
			Help: "Profiles successfully uploaded.",
		}),
		uploadFailures: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "profiler_agent_upload_failures_total",
			Help: "Uploads dropped after an API error.",
		}),
		pollRetries: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "profiler_agent_poll_retries_total",
			Help: "Poll attempts that failed and were retried.",
		}),
	}
}

////////////////////////////////////////////////////////////////////////////////

type Option func(a *Agent) error

func WithCPUSampler(s sampler.CPUSampler) Option {
	return func(a *Agent) error {
		if a.cpu != nil {
			return fmt.Errorf("refusing to overwrite CPU sampler")
		}
		a.cpu = s
		return nil
	}
}

func WithHeapSampler(s sampler.HeapSampler) Option {
	return func(a *Agent) error {
		if a.heap != nil {
			return fmt.Errorf("refusing to overwrite heap sampler")
		}
		a.heap = s
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) error {
		a.logger = l
		return nil
	}
}

func WithMetricsRegistry(r prometheus.Registerer) Option {
	return func(a *Agent) error {
		a.registry = r
		return nil
	}
}

////////////////////////////////////////////////////////////////////////////////

// Agent drives the poll -> collect -> upload loop against the control
// plane. One profile is in flight at a time; the long-hanging poll is the
// pacing mechanism.
type Agent struct {
	conf     *config.Config
	client   *client.Client
	cpu      sampler.CPUSampler
	heap     sampler.HeapSampler
	logger   *zap.Logger
	registry prometheus.Registerer
	metrics  agentMetrics

	deployment    *client.Deployment
	profileLabels map[string]string
	types         []client.ProfileType

	mu        sync.Mutex
	activeCPU string
}

func NewAgent(conf *config.Config, apiClient *client.Client, opts ...Option) (*Agent, error) {
	a := &Agent{
		conf:   conf,
		client: apiClient,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named("agent")
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.metrics = newAgentMetrics(a.registry)

	if !conf.DisableTime {
		if a.cpu == nil {
			return nil, errors.New("wall profiling enabled but no CPU sampler provided")
		}
		a.types = append(a.types, client.ProfileTypeWall)
		a.cpu.SetSamplingInterval(conf.TimeIntervalMicros)
	}
	if !conf.DisableHeap {
		if a.heap == nil {
			return nil, errors.New("heap profiling enabled but no heap sampler provided")
		}
		a.types = append(a.types, client.ProfileTypeHeap)
		// Heap sampling runs continuously from startup; collection only
		// snapshots the accumulated tree.
		if err := a.heap.Start(conf.HeapIntervalBytes, conf.HeapMaxStackDepth); err != nil {
			return nil, fmt.Errorf("start heap sampler: %w", err)
		}
	}

	labels := map[string]string{languageLabel: "go"}
	if conf.Zone != "" {
		labels[zoneLabel] = conf.Zone
	}
	if conf.Instance != "" {
		labels[instanceLabel] = conf.Instance
	}
	if conf.ServiceContext.Version != "" {
		labels[versionLabel] = conf.ServiceContext.Version
	}
	a.deployment = &client.Deployment{
		ProjectID: conf.ProjectID,
		Target:    conf.ServiceContext.Service,
		Labels:    labels,
	}
	a.profileLabels = map[string]string{}
	if conf.Instance != "" {
		a.profileLabels[instanceLabel] = conf.Instance
	}

	if !agentActive.CompareAndSwap(false, true) {
		a.logger.Warn("Another profiling agent is already active in this process; sampler state is process-global")
	}

	return a, nil
}

// Run executes the control loop until the context is cancelled. Every
// per-iteration failure is recovered locally; the only error Run returns
// is the context's.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Agent started",
		zap.String("project_id", a.deployment.ProjectID),
		zap.String("target", a.deployment.Target))

	for {
		p, err := a.poll(ctx)
		if err != nil {
			return err
		}
		started := time.Now()
		a.profileAndUpload(ctx, p)
		if err := a.waitMinInterval(ctx, started); err != nil {
			return err
		}
	}
}

// Close releases sampler resources. Best effort: meant to run even when
// the host is going down ungracefully.
func (a *Agent) Close() error {
	var err error
	a.mu.Lock()
	name := a.activeCPU
	a.activeCPU = ""
	a.mu.Unlock()
	if name != "" && a.cpu != nil {
		if _, stopErr := a.cpu.Stop(name); stopErr != nil {
			err = stopErr
		}
	}
	if !a.conf.DisableHeap && a.heap != nil {
		if stopErr := a.heap.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	agentActive.Store(false)
	return err
}

////////////////////////////////////////////////////////////////////////////////

// hintedBackOff paces poll retries: a server-provided delay is consumed
// once, otherwise the configured constant applies.
type hintedBackOff struct {
	def  time.Duration
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	if b.hint > 0 {
		d := b.hint
		b.hint = 0
		return d
	}
	return b.def
}

func (b *hintedBackOff) Reset() {}

// poll repeats the long-hanging CreateProfile call until the server hands
// out an assignment. Every failure is retriable; the error return carries
// context cancellation only.
func (a *Agent) poll(ctx context.Context) (*client.Profile, error) {
	bo := &hintedBackOff{def: a.conf.Backoff()}

	var p *client.Profile
	op := func() error {
		created, err := a.client.CreateProfile(ctx, a.deployment, a.types)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.Backoff > 0 {
				bo.hint = apiErr.Backoff
			}
			a.metrics.pollRetries.Inc()
			a.logger.Debug("Failed to create profile, will retry", zap.Error(err))
			return err
		}
		p = created
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	a.logger.Debug("Created profile",
		zap.String("name", p.Name),
		zap.String("type", string(p.ProfileType)))
	return p, nil
}

// profileAndUpload runs one collect + upload iteration. Failures are
// logged and swallowed so the loop always reaches the next poll.
func (a *Agent) profileAndUpload(ctx context.Context, p *client.Profile) {
	raw, err := a.collect(ctx, p)
	if err != nil {
		a.metrics.collectFailures.Inc()
		a.logger.Warn("Profile collection failed",
			zap.String("type", string(p.ProfileType)),
			zap.Error(err))
		return
	}
	a.metrics.profilesCollected.WithLabelValues(string(p.ProfileType)).Inc()

	p.ProfileBytes = raw
	p.Labels = mergeLabels(a.profileLabels, p.Labels)

	if err := a.client.UpdateProfile(ctx, p); err != nil {
		a.metrics.uploadFailures.Inc()
		a.logger.Warn("Profile upload failed", zap.String("name", p.Name), zap.Error(err))
		return
	}
	a.metrics.profilesUploaded.Inc()
	a.logger.Debug("Profile uploaded", zap.String("name", p.Name))
}

func (a *Agent) collect(ctx context.Context, p *client.Profile) ([]byte, error) {
	switch p.ProfileType {
	case client.ProfileTypeWall:
		if a.conf.DisableTime || a.cpu == nil {
			return nil, ErrTimeProfilerDisabled
		}
		return a.collectTime(ctx, p)
	case client.ProfileTypeHeap:
		if a.conf.DisableHeap || a.heap == nil {
			return nil, ErrHeapProfilerDisabled
		}
		return a.collectHeap()
	default:
		return nil, fmt.Errorf("unknown profile type %q", p.ProfileType)
	}
}

func (a *Agent) collectTime(ctx context.Context, p *client.Profile) ([]byte, error) {
	duration := profileDuration(p)

	// Session names must be unique among concurrently active sessions;
	// deriving them from the clock is enough with one profile in flight.
	name := fmt.Sprintf("profile-%d", time.Now().UnixNano())
	if err := a.cpu.Start(name, false); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.activeCPU = name
	a.mu.Unlock()

	select {
	case <-time.After(duration):
	case <-ctx.Done():
	}

	// Stop regardless of cancellation: the native session must be
	// released.
	tree, err := a.cpu.Stop(name)
	a.mu.Lock()
	a.activeCPU = ""
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prof := profile.SerializeTimeProfile(tree, a.conf.TimeIntervalMicros)
	return prof.MarshalGzip()
}

func (a *Agent) collectHeap() ([]byte, error) {
	tree, err := a.heap.Profile()
	if err != nil {
		return nil, err
	}
	prof := profile.SerializeHeapProfile(tree, time.Now().UnixNano(), 0, a.conf.HeapIntervalBytes)
	return prof.MarshalGzip()
}

// profileDuration honors the server-assigned duration when present and
// valid, falling back to the default otherwise.
func profileDuration(p *client.Profile) time.Duration {
	if p.Duration == "" {
		return DefaultProfileDuration
	}
	d, err := time.ParseDuration(p.Duration)
	if err != nil || d <= 0 {
		return DefaultProfileDuration
	}
	return d
}

// waitMinInterval enforces the configured lower bound between profiles,
// counting from when collection started.
func (a *Agent) waitMinInterval(ctx context.Context, started time.Time) error {
	remaining := a.conf.MinProfilingInterval() - time.Since(started)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-time.After(remaining):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mergeLabels(base, extra map[string]string) map[string]string {
	if len(base) == 0 {
		return extra
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
