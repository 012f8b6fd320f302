// Package engine implements the Engine Facade (C13): the single entry
// point composing the IPC Transport, Multiplexer, Deduplicator, Stream
// Registry, Model Manager, Tier Limiter, Priority Scheduler, Admission
// Queue, QoS Policy Engine, Canary Manager, and (optionally) the
// Horizontal Dispatcher into the public surface spec.md §6 describes:
// loadModel, createGenerator, tokenize, shutdown, and friends.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coreweave-labs/inferunner/internal/admission"
	"github.com/coreweave-labs/inferunner/internal/canary"
	"github.com/coreweave-labs/inferunner/internal/dedup"
	"github.com/coreweave-labs/inferunner/internal/dispatch"
	"github.com/coreweave-labs/inferunner/internal/errs"
	"github.com/coreweave-labs/inferunner/internal/limiter"
	"github.com/coreweave-labs/inferunner/internal/models"
	"github.com/coreweave-labs/inferunner/internal/modelmanager"
	"github.com/coreweave-labs/inferunner/internal/multiplex"
	"github.com/coreweave-labs/inferunner/internal/qos"
	"github.com/coreweave-labs/inferunner/internal/scheduler"
	"github.com/coreweave-labs/inferunner/internal/streams"
	"github.com/coreweave-labs/inferunner/internal/telemetry/events"
	"github.com/coreweave-labs/inferunner/internal/telemetry/metrics"
	"github.com/coreweave-labs/inferunner/internal/telemetry/policy"
	"github.com/coreweave-labs/inferunner/internal/telemetry/tracing"
	"github.com/coreweave-labs/inferunner/internal/transport"
	"github.com/coreweave-labs/inferunner/internal/types"
	telemetryhealth "github.com/coreweave-labs/inferunner/telemetry/health"
)

// TelemetryEvent is the external, reduced view of an internal events.Event
// handed to registered EventObservers, decoupling observers from the
// internal event bus's types.
type TelemetryEvent struct {
	Time     time.Time
	Category string
	Type     string
	Severity string
	TraceID  string
	SpanID   string
	Labels   map[string]string
	Fields   map[string]any
}

// EventObserver is notified of every event the facade emits: Model
// Manager transitions (model:loaded, model:unloaded, model:invalidated),
// scheduler:preempted, QoS SLO violation/recovery edges,
// remediation:<type>, and canary:transition. Generation progress (start,
// tokens, completion, stream errors) is not emitted as events.
type EventObserver func(ev TelemetryEvent)

// TelemetryOptions toggles which telemetry subsystems New wires up.
type TelemetryOptions struct {
	EnableMetrics   bool
	EnableTracing   bool
	EnableEvents    bool
	EnableHealth    bool
	MetricsBackend  string
	SamplingPercent float64
}

// Option configures optional Engine collaborators at construction time.
type Option func(*engineOptions)

type engineOptions struct {
	logger     *zerolog.Logger
	affinity   dispatch.AffinityStore
	bus        dispatch.Bus
	workerCall dispatch.WorkerCall
	telemetry  TelemetryOptions
}

// WithLogger overrides the default zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *engineOptions) { o.logger = &l }
}

// WithDispatchBus supplies the message bus the Horizontal Dispatcher's
// Registry listens on for worker registrations/heartbeats (e.g. a NATS
// connection). Required when Cluster.Mode != ClusterDisabled.
func WithDispatchBus(bus dispatch.Bus) Option {
	return func(o *engineOptions) { o.bus = bus }
}

// WithDispatchAffinityStore overrides the default in-memory session
// affinity store (e.g. a redis-backed one for a multi-process controller).
func WithDispatchAffinityStore(store dispatch.AffinityStore) Option {
	return func(o *engineOptions) { o.affinity = store }
}

// WithWorkerCall supplies the per-worker RPC function the Horizontal
// Dispatcher uses once it has selected a worker.
func WithWorkerCall(call dispatch.WorkerCall) Option {
	return func(o *engineOptions) { o.workerCall = call }
}

// WithTelemetry overrides which telemetry subsystems are constructed.
func WithTelemetry(t TelemetryOptions) Option {
	return func(o *engineOptions) { o.telemetry = t }
}

func defaultTelemetryOptions() TelemetryOptions {
	return TelemetryOptions{EnableMetrics: true, EnableTracing: false, EnableEvents: true, EnableHealth: true, SamplingPercent: 20}
}

// GenerateParams is the input to CreateGenerator/Generate.
type GenerateParams struct {
	RequestID   string
	ModelID     string
	SessionID   string
	TenantID    string
	Prompt      string
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
	Seed        int64
	Priority    types.Priority
	Deadline    *time.Time
	Vision      *VisionInput
}

// VisionInput carries the image payload for the vision generation variant.
type VisionInput struct {
	ImageBytes []byte
	MimeType   string
}

func (p GenerateParams) validate() error {
	if p.ModelID == "" {
		return errs.New(errs.KindInvalidParams, "model id must not be empty")
	}
	if p.Prompt == "" {
		return errs.New(errs.KindInvalidParams, "prompt must not be empty")
	}
	if p.MaxTokens <= 0 {
		return errs.New(errs.KindInvalidParams, "max_tokens must be positive")
	}
	return nil
}

func (p GenerateParams) dedupParams(modelID string) dedup.Params {
	return dedup.Params{ModelID: modelID, Prompt: p.Prompt, Temperature: p.Temperature, TopP: p.TopP, TopK: p.TopK, MaxTokens: p.MaxTokens, Seed: p.Seed}
}

func (p GenerateParams) toPayload(modelID string) map[string]any {
	payload := map[string]any{
		"model_id": modelID, "prompt": p.Prompt, "temperature": p.Temperature,
		"top_p": p.TopP, "top_k": p.TopK, "max_tokens": p.MaxTokens, "seed": p.Seed,
		"session_id": p.SessionID,
	}
	if p.Vision != nil {
		payload["vision_mime_type"] = p.Vision.MimeType
		payload["vision_bytes"] = p.Vision.ImageBytes
	}
	return payload
}

// Generation is a lazy, cancellable sequence of chunks returned by
// CreateGenerator: token text, periodic metadata, and a single terminal
// chunk (error or completion).
type Generation struct {
	StreamID string
	Chunks   <-chan streams.Chunk
	Cancel   func(reason string)
}

// TokenizeRequest is the input to Tokenize.
type TokenizeRequest struct {
	ModelID string
	Text    string
}

// TokenizeResult is Tokenize's output.
type TokenizeResult struct {
	Tokens []int
	Count  int
}

// CacheStats reports artifact cache and model manager occupancy together,
// the getCacheStats surface from spec.md §6.
type CacheStats struct {
	Artifact    models.Health
	LoadedCount int
	MaxLoaded   int
}

// RuntimeInfo is the getRuntimeInfo surface: a point-in-time rollup of
// every subsystem's own snapshot.
type RuntimeInfo struct {
	StartedAt      time.Time
	Uptime         time.Duration
	BreakerState   string
	RetryStats     interface{}
	LimiterTiers   []limiter.TierSnapshot
	SchedulerStats scheduler.Stats
	QueueDepth     int
	QueueActive    int
	ActiveStreams  int
	Canary         types.CanaryDeployment
	MultiplexStats multiplex.Stats
	DedupEntries   int
	WorkerFleet    int
}

type dispatchOutcome struct {
	streamID string
	err      error
}

// Engine is the composition root for the entire inference control plane.
type Engine struct {
	cfg    Config
	log    zerolog.Logger
	worker transport.WorkerRuntime

	transport *transport.Transport
	multiplex *multiplex.Multiplexer
	dedup     *dedup.Deduplicator
	streams   *streams.Registry
	artifacts *models.Cache
	models    *modelmanager.Manager
	drafts    *modelmanager.Manager
	limiter   *limiter.Limiter
	scheduler *scheduler.Scheduler
	admission *admission.Queue

	metricStore *qos.MetricStore
	policyStore *qos.PolicyStore
	sloEval     *qos.SloEvaluator
	remediation *qos.Executor

	canaryRouter    *canary.Router
	canaryCollector *canary.MetricsCollector
	canaryRollback  *canary.RollbackController
	canaryManager   *canary.Manager

	dispatchRegistry *dispatch.Registry
	dispatcher       *dispatch.Dispatcher

	metricsProvider metrics.Provider
	eventBus        events.Bus
	tracer          tracing.Tracer
	health          *telemetryhealth.Evaluator

	telemetryPolicy atomic.Pointer[policy.TelemetryPolicy]

	obsMu     sync.Mutex
	observers []EventObserver

	pendingMu sync.Mutex
	pending   map[string]chan dispatchOutcome

	startedAt time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New composes every subsystem into a running Engine bound to worker, the
// out-of-process Worker Runtime collaborator.
func New(cfg Config, worker transport.WorkerRuntime, opts ...Option) (*Engine, error) {
	cfg = cfg.normalize()

	o := &engineOptions{telemetry: defaultTelemetryOptions()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		l := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "engine").Logger()
		o.logger = &l
	}

	e := &Engine{
		cfg: cfg, log: *o.logger, worker: worker,
		pending: make(map[string]chan dispatchOutcome),
		stopCh:  make(chan struct{}),
	}

	e.metricsProvider = selectMetricsProvider(cfg, o.telemetry)

	e.transport = transport.New(cfg.IPC, worker)
	e.transport.Subscribe(e)

	e.multiplex = multiplex.New(cfg.Multiplex, e.tokenizeBatch)
	e.dedup = dedup.New(cfg.Dedup)
	e.streams = streams.New(cfg.Streams)

	artifacts, err := models.New(cfg.ArtifactCache)
	if err != nil {
		return nil, fmt.Errorf("build artifact cache: %w", err)
	}
	e.artifacts = artifacts

	e.models = modelmanager.New(cfg.ModelManager, &modelLoaderAdapter{engine: e, draft: false}, e.onModelManagerEvent)
	e.drafts = modelmanager.New(cfg.ModelManager, &modelLoaderAdapter{engine: e, draft: true}, e.onModelManagerEvent)

	lim, err := limiter.New(cfg.Limiter)
	if err != nil {
		return nil, fmt.Errorf("build tier limiter: %w", err)
	}
	e.limiter = lim

	e.scheduler = scheduler.New(cfg.Scheduler)

	admissionQueue, err := admission.New(cfg.Admission)
	if err != nil {
		return nil, fmt.Errorf("build admission queue: %w", err)
	}
	e.admission = admissionQueue

	e.metricStore = qos.NewMetricStore(cfg.QosMetricCompression)
	e.policyStore = qos.NewPolicyStore(cfg.QosPolicies)
	e.sloEval = qos.NewSloEvaluator(e.metricStore, e.onSloEdge)
	e.remediation = qos.NewExecutor(cfg.Remediation, e.dispatchRemediation)

	router, err := canary.NewRouter(cfg.Canary.Router)
	if err != nil {
		return nil, fmt.Errorf("build canary router: %w", err)
	}
	e.canaryRouter = router
	e.canaryCollector = canary.NewMetricsCollector(cfg.Canary.MetricsWindow)
	e.canaryRollback = canary.NewRollbackController(cfg.Canary.Rollback)
	e.canaryManager = canary.NewManager(cfg.Canary.Advance, e.canaryCollector, e.canaryRollback, e.onCanaryTransition, cfg.Canary.InitialStage)

	if cfg.Cluster.Mode != ClusterDisabled {
		if o.bus == nil {
			return nil, fmt.Errorf("cluster mode %q requires WithDispatchBus", cfg.Cluster.Mode)
		}
		registry := dispatch.NewRegistry(cfg.Cluster.Dispatch.OfflineTimeout)
		if err := registry.ListenOn(o.bus); err != nil {
			return nil, fmt.Errorf("listen on dispatch bus: %w", err)
		}
		e.dispatchRegistry = registry
		if o.workerCall == nil {
			return nil, fmt.Errorf("cluster mode %q requires WithWorkerCall", cfg.Cluster.Mode)
		}
		affinity := o.affinity
		if affinity == nil {
			affinity = dispatch.NewInMemoryAffinityStore()
		}
		e.dispatcher = dispatch.New(cfg.Cluster.Dispatch, registry, strategyFor(cfg.Cluster.RoutingStrategy, cfg.Cluster.ConsistentHashRing), affinity, o.workerCall)
	}

	if o.telemetry.EnableEvents {
		e.eventBus = events.NewBus(e.metricsProvider)
	}
	if o.telemetry.EnableTracing {
		e.tracer = tracing.NewAdaptiveTracer(func() float64 { return e.Policy().Tracing.SamplePercent })
	} else {
		e.tracer = tracing.NewTracer(false)
	}

	initial := policy.Default().Normalize()
	e.telemetryPolicy.Store(&initial)

	if o.telemetry.EnableHealth {
		e.health = telemetryhealth.NewEvaluator(initial.Health.ProbeTTL, e.healthProbes()...)
	}

	e.startedAt = time.Now()
	e.wg.Add(1)
	go e.dispatchLoop()
	e.wg.Add(1)
	go e.sweepLoop()
	if len(cfg.QosPolicies) > 0 {
		e.wg.Add(1)
		go e.sloLoop()
	}
	if cfg.Canary.Enabled {
		e.wg.Add(1)
		go e.canaryLoop()
	}

	return e, nil
}

func strategyFor(name string, ringSize int) dispatch.Strategy {
	switch name {
	case "least_loaded":
		return dispatch.NewLeastLoadedStrategy()
	case "latency_aware":
		return dispatch.NewLatencyAwareStrategy()
	case "consistent_hash":
		return dispatch.NewConsistentHashStrategy(ringSize)
	default:
		return dispatch.NewRoundRobinStrategy()
	}
}

func selectMetricsProvider(cfg Config, t TelemetryOptions) metrics.Provider {
	if !t.EnableMetrics && !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		return metrics.NewNoopProvider()
	case "", "prom", "prometheus":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// tierFor derives a coarse size tier from a model id/family heuristic,
// since the Tier Limiter must admit before the Model Manager has loaded
// the handle (and therefore before ModelMetadata.ParameterCount is known).
func tierFor(modelID string) limiter.Tier {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "70b"), strings.Contains(id, "65b"), strings.Contains(id, "34b"):
		return limiter.Tier30BPlus
	case strings.Contains(id, "27b"), strings.Contains(id, "20b"), strings.Contains(id, "13b"):
		return limiter.Tier13to27B
	case strings.Contains(id, "8b"), strings.Contains(id, "7b"):
		return limiter.Tier7to13B
	case strings.Contains(id, "3b"), strings.Contains(id, "4b"):
		return limiter.Tier3to7B
	case strings.Contains(id, "1b"), strings.Contains(id, "tiny"):
		return limiter.TierUnder3B
	default:
		return limiter.Tier7to13B
	}
}

// Dispatch implements transport.StreamSink, routing worker-pushed stream
// events into the Stream Registry by the stream id the worker assigned.
func (e *Engine) Dispatch(ev transport.StreamEvent) {
	ctx := context.Background()
	switch ev.Kind {
	case "token":
		var body struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(ev.Payload, &body); err != nil {
			e.log.Warn().Err(err).Str("stream_id", ev.StreamID).Msg("malformed token event")
			return
		}
		if err := e.streams.PushToken(ctx, ev.StreamID, body.Token); err != nil {
			e.log.Debug().Err(err).Str("stream_id", ev.StreamID).Msg("push token")
		}
	case "stats":
		var stats map[string]any
		if err := json.Unmarshal(ev.Payload, &stats); err != nil {
			e.log.Warn().Err(err).Str("stream_id", ev.StreamID).Msg("malformed stats event")
			return
		}
		if err := e.streams.PushStats(ctx, ev.StreamID, stats); err != nil {
			e.log.Debug().Err(err).Str("stream_id", ev.StreamID).Msg("push stats")
		}
	case "completed":
		if err := e.streams.PushEvent(ctx, ev.StreamID, streams.Chunk{Kind: streams.ChunkMetadata, Final: true}); err != nil {
			e.log.Debug().Err(err).Str("stream_id", ev.StreamID).Msg("push completion")
		}
	case "error":
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(ev.Payload, &body)
		if body.Message == "" {
			body.Message = "worker reported stream error"
		}
		if err := e.streams.PushEvent(ctx, ev.StreamID, streams.Chunk{Kind: streams.ChunkError, Err: errs.New(errs.KindGeneration, body.Message), Final: true}); err != nil {
			e.log.Debug().Err(err).Str("stream_id", ev.StreamID).Msg("push error")
		}
	default:
		e.log.Warn().Str("kind", ev.Kind).Str("stream_id", ev.StreamID).Msg("unknown stream event kind")
	}
}

// modelLoaderAdapter bridges modelmanager.Loader to the IPC Transport (or
// the Horizontal Dispatcher, when clustered), consulting the artifact
// cache before issuing a cold load and populating it after a warm one.
type modelLoaderAdapter struct {
	engine *Engine
	draft  bool
}

func (a *modelLoaderAdapter) methodPrefix() string {
	if a.draft {
		return "draft_"
	}
	return ""
}

func (a *modelLoaderAdapter) call(ctx context.Context, modelID, method string, body []byte) ([]byte, error) {
	e := a.engine
	if e.dispatcher != nil {
		return e.dispatcher.Dispatch(ctx, modelID, "", method, body)
	}
	return e.transport.Call(ctx, method, body)
}

func (a *modelLoaderAdapter) Load(ctx context.Context, desc types.ModelDescriptor) (types.ModelHandle, error) {
	e := a.engine
	if err := models.ValidateDescriptor(desc, e.cfg.Model.TrustedModelDirectories, func(path string) bool {
		_, statErr := os.Stat(path)
		return statErr == nil
	}); err != nil {
		return types.ModelHandle{}, err
	}
	if desc.Quantization == "" {
		desc.Quantization = e.cfg.Model.DefaultQuantization
	}

	opts := models.Opts{ContextLength: e.cfg.Model.DefaultContextLength}
	lookup := e.artifacts.Lookup(desc, opts)
	payload := map[string]any{"descriptor": desc, "draft": a.draft}
	if lookup.Hit {
		payload["artifact_path"] = lookup.Path
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return types.ModelHandle{}, errs.Wrap(errs.KindInvalidParams, "marshal load_model payload", err)
	}

	raw, err := a.call(ctx, desc.ID, a.methodPrefix()+"load_model", body)
	if err != nil {
		return types.ModelHandle{}, err
	}
	var resp struct {
		ContextLength int                 `json:"context_length"`
		Tokenizer     types.TokenizerInfo `json:"tokenizer"`
		Metadata      types.ModelMetadata `json:"metadata"`
		ArtifactDir   string              `json:"artifact_dir,omitempty"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return types.ModelHandle{}, errs.Wrap(errs.KindParse, "parse load_model response", err)
	}

	if !lookup.Hit && resp.ArtifactDir != "" {
		if _, storeErr := e.artifacts.Store(desc, models.Opts{ContextLength: resp.ContextLength}, resp.ArtifactDir, map[string]any{"tokenizer": resp.Tokenizer}); storeErr != nil {
			e.log.Warn().Err(storeErr).Str("model_id", desc.ID).Msg("artifact cache store failed")
		}
	}

	return types.ModelHandle{
		Descriptor:    desc,
		State:         types.HandleReady,
		ContextLength: resp.ContextLength,
		Tokenizer:     resp.Tokenizer,
		Metadata:      resp.Metadata,
	}, nil
}

func (a *modelLoaderAdapter) Unload(ctx context.Context, desc types.ModelDescriptor) error {
	body, err := json.Marshal(map[string]any{"descriptor": desc, "draft": a.draft})
	if err != nil {
		return errs.Wrap(errs.KindInvalidParams, "marshal unload_model payload", err)
	}
	_, err = a.call(ctx, desc.ID, a.methodPrefix()+"unload_model", body)
	return err
}

func (a *modelLoaderAdapter) Warmup(ctx context.Context, desc types.ModelDescriptor, iterations int) error {
	body, err := json.Marshal(map[string]any{"descriptor": desc, "draft": a.draft, "iterations": iterations})
	if err != nil {
		return errs.Wrap(errs.KindInvalidParams, "marshal warmup_model payload", err)
	}
	_, err = a.call(ctx, desc.ID, a.methodPrefix()+"warmup_model", body)
	return err
}

// LoadModel loads and warms desc into the primary Model Manager.
func (e *Engine) LoadModel(ctx context.Context, desc types.ModelDescriptor) (types.ModelHandle, error) {
	return e.models.Load(ctx, desc)
}

// UnloadModel releases modelID's primary handle, if loaded.
func (e *Engine) UnloadModel(ctx context.Context, modelID string) error {
	handle, err := e.models.Handle(modelID)
	if err != nil {
		return nil
	}
	return e.models.Unload(ctx, handle.Descriptor)
}

// LoadDraftModel loads desc into the speculative-decoding draft manager.
func (e *Engine) LoadDraftModel(ctx context.Context, desc types.ModelDescriptor) (types.ModelHandle, error) {
	return e.drafts.Load(ctx, desc)
}

// UnloadDraftModel releases modelID's draft handle, if loaded.
func (e *Engine) UnloadDraftModel(ctx context.Context, modelID string) error {
	handle, err := e.drafts.Handle(modelID)
	if err != nil {
		return nil
	}
	return e.drafts.Unload(ctx, handle.Descriptor)
}

// IsDraftModelCompatible reports whether draftModelID may be used for
// speculative decoding against baseModelID: both must be loaded and share
// a tokenizer vocabulary.
func (e *Engine) IsDraftModelCompatible(baseModelID, draftModelID string) (bool, error) {
	base, err := e.models.Handle(baseModelID)
	if err != nil {
		return false, err
	}
	draft, err := e.drafts.Handle(draftModelID)
	if err != nil {
		return false, err
	}
	return base.Tokenizer.VocabSize > 0 && base.Tokenizer.VocabSize == draft.Tokenizer.VocabSize, nil
}

// ListModels returns every currently loaded primary handle.
func (e *Engine) ListModels() []types.ModelHandle {
	return e.models.All()
}

// GetModelInfo returns modelID's currently loaded handle.
func (e *Engine) GetModelInfo(modelID string) (types.ModelHandle, error) {
	return e.models.Handle(modelID)
}

// WarmupModel re-issues a warmup call for an already-loaded model.
func (e *Engine) WarmupModel(ctx context.Context, modelID string, iterations int) error {
	handle, err := e.models.Handle(modelID)
	if err != nil {
		return err
	}
	adapter := &modelLoaderAdapter{engine: e, draft: false}
	return adapter.Warmup(ctx, handle.Descriptor, iterations)
}

// GetCacheStats reports artifact cache occupancy alongside Model Manager
// loaded/capacity counts.
func (e *Engine) GetCacheStats() CacheStats {
	return CacheStats{
		Artifact:    e.artifacts.GetHealth(),
		LoadedCount: e.models.LoadedCount(),
		MaxLoaded:   e.cfg.ModelManager.MaxLoadedModels,
	}
}

// registerPending allocates the outcome channel a generation request's
// caller waits on while dispatchOne works the scheduled request.
func (e *Engine) registerPending(id string) chan dispatchOutcome {
	ch := make(chan dispatchOutcome, 1)
	e.pendingMu.Lock()
	e.pending[id] = ch
	e.pendingMu.Unlock()
	return ch
}

func (e *Engine) unregisterPending(id string) {
	e.pendingMu.Lock()
	delete(e.pending, id)
	e.pendingMu.Unlock()
}

func (e *Engine) deliver(id string, outcome dispatchOutcome) {
	e.pendingMu.Lock()
	ch, ok := e.pending[id]
	e.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- outcome:
	default:
	}
}

// dispatchLoop drains the Priority Scheduler's non-blocking Dequeue on a
// tight tick, handing every ready request to its own dispatchOne goroutine.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			for {
				req, ok := e.scheduler.Dequeue()
				if !ok {
					break
				}
				e.wg.Add(1)
				go e.dispatchOne(req)
			}
		}
	}
}

// admitWithPreemption acquires a tier permit for req, preferring an
// immediate non-blocking admission. When the tier is saturated, req is
// marked preempted (spec.md §4.7's conservative "preempt at admission
// time": the Worker Runtime cannot pause mid-generation, so a
// lower-priority request is made to wait rather than an in-flight one
// paused) before blocking on the real Acquire; once admitted, its
// effective priority is bumped via Resume so repeated preemption can't
// starve it indefinitely.
func (e *Engine) admitWithPreemption(ctx context.Context, tier limiter.Tier, req *types.Request) (limiter.Permit, error) {
	if permit, ok := e.limiter.TryAcquire(tier); ok {
		return permit, nil
	}

	preempt := req.EffectivePriority > types.PriorityCritical
	if preempt {
		e.scheduler.Preempt(*req)
		e.dispatchEvent(events.Event{
			Time: time.Now(), Category: events.CategoryPipeline, Type: "scheduler:preempted", Severity: "info",
			Labels: map[string]string{"model_id": req.ModelID, "tier": string(tier)},
			Fields: map[string]any{"priority": int(req.EffectivePriority)},
		})
	}

	permit, err := e.limiter.Acquire(ctx, tier)
	if err != nil {
		return nil, err
	}
	if preempt {
		*req = e.scheduler.Resume(*req)
	}
	return permit, nil
}

// dispatchOne admits a single scheduled request through the Tier Limiter
// and Admission Queue, issuing the actual generate_stream RPC, and
// delivers the outcome to whichever CreateGenerator call is waiting on it.
func (e *Engine) dispatchOne(req types.Request) {
	defer e.wg.Done()

	ctx := context.Background()
	var cancel context.CancelFunc
	if req.Deadline != nil {
		ctx, cancel = context.WithDeadline(ctx, *req.Deadline)
		defer cancel()
	}

	tier := tierFor(req.ModelID)
	permit, err := e.admitWithPreemption(ctx, tier, &req)
	if err != nil {
		e.deliver(req.ID, dispatchOutcome{err: errs.Wrap(errs.KindResourceExhausted, "tier limiter rejected request", err)})
		return
	}
	defer permit.Release()

	future := e.admission.Execute(ctx, func(callCtx context.Context) (any, error) {
		return e.issueGenerateStream(callCtx, req)
	}, e.cfg.IPC.DefaultTimeout)

	result, err := future.Wait(ctx)
	if err != nil {
		e.deliver(req.ID, dispatchOutcome{err: err})
		return
	}
	e.deliver(req.ID, dispatchOutcome{streamID: result.(string)})
}

// issueGenerateStream calls the worker's generate_stream method and
// registers the returned stream id with the Stream Registry before any
// chunks can arrive.
func (e *Engine) issueGenerateStream(ctx context.Context, req types.Request) (string, error) {
	ctx, span := e.tracer.StartSpan(ctx, "transport.generate_stream")
	defer span.End()
	span.SetAttribute("model_id", req.ModelID)

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidParams, "marshal generate payload", err)
	}

	sessionID, _ := req.Payload["session_id"].(string)

	var raw []byte
	if e.dispatcher != nil {
		raw, err = e.dispatcher.Dispatch(ctx, req.ModelID, sessionID, "generate_stream", body)
	} else {
		raw, err = e.transport.Call(ctx, "generate_stream", body)
	}
	if err != nil {
		return "", err
	}

	var resp struct {
		StreamID string `json:"stream_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", errs.Wrap(errs.KindParse, "parse generate_stream response", err)
	}

	modelID, sid := req.ModelID, sessionID
	if _, err := e.streams.Register(resp.StreamID, func(reason string) {
		cancelBody, _ := json.Marshal(map[string]any{"stream_id": resp.StreamID, "reason": reason})
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e.dispatcher != nil {
			_, _ = e.dispatcher.Dispatch(cctx, modelID, sid, "cancel_stream", cancelBody)
			return
		}
		_, _ = e.transport.Call(cctx, "cancel_stream", cancelBody)
	}); err != nil {
		return "", err
	}
	return resp.StreamID, nil
}

// CreateGenerator enqueues params as a priority-scheduled request and
// returns a Generation once the worker has acknowledged a stream id. Each
// call is a dedup leader; use Generate to join identical in-flight
// requests instead of issuing duplicate work.
func (e *Engine) CreateGenerator(ctx context.Context, params GenerateParams) (*Generation, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.RequestID == "" {
		params.RequestID = uuid.NewString()
	}

	variant := e.routeVariant(params)
	modelID := e.modelIDFor(params.ModelID, variant)
	payload := params.toPayload(modelID)

	req := types.Request{
		ID: params.RequestID, Kind: types.KindGenerate, ModelID: modelID, Payload: payload,
		Priority: params.Priority, EffectivePriority: params.Priority, QueuedAt: time.Now(),
		Deadline: params.Deadline, TenantID: params.TenantID, Status: types.StatusQueued,
	}

	outcomeCh := e.registerPending(req.ID)
	defer e.unregisterPending(req.ID)

	start := time.Now()
	e.scheduler.Enqueue(req)

	select {
	case outcome := <-outcomeCh:
		if outcome.err != nil {
			e.recordCanary(variant, time.Since(start).Seconds()*1000, true)
			return nil, outcome.err
		}
		ch, err := e.streams.Consume(outcome.streamID)
		if err != nil {
			e.recordCanary(variant, time.Since(start).Seconds()*1000, true)
			return nil, err
		}
		e.recordCanary(variant, time.Since(start).Seconds()*1000, false)
		streamID := outcome.streamID
		return &Generation{
			StreamID: streamID,
			Chunks:   ch,
			Cancel:   func(reason string) { e.streams.Cancel(streamID, reason) },
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Generate awaits the full generated text for params, joining an
// identical in-flight request (by canonicalized parameter fingerprint)
// rather than issuing duplicate work when one is already running.
func (e *Engine) Generate(ctx context.Context, params GenerateParams) (string, error) {
	if err := params.validate(); err != nil {
		return "", err
	}

	fp := dedup.Fingerprint(params.dedupParams(params.ModelID))
	payloadBytes, err := json.Marshal(params.toPayload(params.ModelID))
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidParams, "marshal dedup payload", err)
	}

	future, isLeader := e.dedup.JoinOrStart(fp, len(payloadBytes))
	if !isLeader {
		v, err := future.Wait(ctx)
		if err != nil {
			return "", err
		}
		return v.(string), nil
	}
	defer e.dedup.Remove(fp)

	gen, err := e.CreateGenerator(ctx, params)
	if err != nil {
		e.dedup.Remove(fp)
		future.Settle(nil, err)
		return "", err
	}

	var sb strings.Builder
	for chunk := range gen.Chunks {
		switch chunk.Kind {
		case streams.ChunkToken:
			sb.WriteString(chunk.Token)
		case streams.ChunkError:
			if chunk.Err != nil {
				e.dedup.Remove(fp)
				future.Settle(nil, chunk.Err)
				return "", chunk.Err
			}
		}
		if chunk.Final {
			break
		}
	}
	result := sb.String()
	future.Settle(result, nil)
	return result, nil
}

// tokenizeBatch is the Multiplexer's BatchFunc for the tokenize method,
// marshaling every joined TokenizeRequest into a single tokenize_batch RPC.
func (e *Engine) tokenizeBatch(ctx context.Context, params []any) ([]multiplex.Result, error) {
	reqs := make([]TokenizeRequest, 0, len(params))
	for _, p := range params {
		tr, ok := p.(TokenizeRequest)
		if !ok {
			return nil, errs.New(errs.KindInvalidParams, "tokenizeBatch: unexpected param type")
		}
		reqs = append(reqs, tr)
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidParams, "marshal tokenize batch", err)
	}
	raw, err := e.transport.Call(ctx, "tokenize_batch", body)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errs.Wrap(errs.KindParse, "parse tokenize batch response", err)
	}

	out := make([]multiplex.Result, len(reqs))
	for i := range reqs {
		if i >= len(resp) {
			out[i] = multiplex.Result{Success: false, Err: errs.New(errs.KindTokenizer, "tokenizer response truncated")}
			continue
		}
		out[i] = multiplex.Result{Success: true, Value: TokenizeResult{Tokens: resp[i].Tokens, Count: len(resp[i].Tokens)}}
	}
	return out, nil
}

// Tokenize tokenizes a single request, batched transparently with
// concurrent callers by the Multiplexer.
func (e *Engine) Tokenize(ctx context.Context, req TokenizeRequest) (TokenizeResult, error) {
	if req.ModelID == "" || req.Text == "" {
		return TokenizeResult{}, errs.New(errs.KindInvalidParams, "tokenize requires model_id and text")
	}
	v, err := e.multiplex.Call(ctx, "tokenize", req)
	if err != nil {
		return TokenizeResult{}, err
	}
	res, ok := v.(TokenizeResult)
	if !ok {
		return TokenizeResult{}, errs.New(errs.KindInternal, "unexpected tokenize result type")
	}
	return res, nil
}

// GetRuntimeInfo rolls up every subsystem's own snapshot into one
// point-in-time report.
func (e *Engine) GetRuntimeInfo() RuntimeInfo {
	info := RuntimeInfo{
		StartedAt:      e.startedAt,
		Uptime:         time.Since(e.startedAt),
		BreakerState:   e.transport.BreakerState(),
		RetryStats:     e.transport.RetryStats(),
		LimiterTiers:   e.limiter.Snapshot(),
		SchedulerStats: e.scheduler.Stats(),
		QueueDepth:     e.admission.Depth(),
		QueueActive:    e.admission.Active(),
		ActiveStreams:  e.streams.ActiveCount(),
		Canary:         e.canaryManager.Snapshot(),
		MultiplexStats: e.multiplex.Stats(),
		DedupEntries:   e.dedup.Len(),
	}
	if e.dispatchRegistry != nil {
		info.WorkerFleet = len(e.dispatchRegistry.All())
	}
	return info
}

// healthProbes builds the probe set the health Evaluator rolls up into
// HealthCheck's snapshot.
func (e *Engine) healthProbes() []telemetryhealth.Probe {
	probes := []telemetryhealth.Probe{
		telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
			switch e.transport.BreakerState() {
			case "open":
				return telemetryhealth.Unhealthy("transport_breaker", "circuit open")
			case "half-open":
				return telemetryhealth.Degraded("transport_breaker", "circuit half-open")
			default:
				return telemetryhealth.Healthy("transport_breaker")
			}
		}),
		telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
			loaded := e.models.LoadedCount()
			max := e.cfg.ModelManager.MaxLoadedModels
			if max > 0 && loaded >= max {
				return telemetryhealth.Degraded("model_manager", "at loaded-model capacity")
			}
			return telemetryhealth.Healthy("model_manager")
		}),
		telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
			pol := e.Policy().Health
			depth := e.admission.Depth() + e.streams.ActiveCount()
			switch {
			case depth >= pol.QueueUnhealthyDepth:
				return telemetryhealth.Unhealthy("queue_depth", "admission/stream backlog critical")
			case depth >= pol.QueueDegradedDepth:
				return telemetryhealth.Degraded("queue_depth", "admission/stream backlog elevated")
			default:
				return telemetryhealth.Healthy("queue_depth")
			}
		}),
	}
	if e.dispatchRegistry != nil {
		probes = append(probes, telemetryhealth.ProbeFunc(func(ctx context.Context) telemetryhealth.ProbeResult {
			if len(e.dispatchRegistry.All()) == 0 {
				return telemetryhealth.Unhealthy("worker_fleet", "no workers registered")
			}
			return telemetryhealth.Healthy("worker_fleet")
		}))
	}
	return probes
}

// HealthCheck returns the (TTL-cached) aggregate health snapshot.
func (e *Engine) HealthCheck(ctx context.Context) telemetryhealth.Snapshot {
	if e.health == nil {
		return telemetryhealth.Snapshot{Overall: telemetryhealth.StatusUnknown, Generated: time.Now()}
	}
	return e.health.Evaluate(ctx)
}

// Policy returns the current telemetry policy snapshot.
func (e *Engine) Policy() policy.TelemetryPolicy {
	p := e.telemetryPolicy.Load()
	if p == nil {
		return policy.Default().Normalize()
	}
	return *p
}

// UpdateTelemetryPolicy atomically swaps the telemetry policy consulted
// by the health probes and the adaptive tracer's sampling rate.
func (e *Engine) UpdateTelemetryPolicy(p policy.TelemetryPolicy) {
	normalized := p.Normalize()
	e.telemetryPolicy.Store(&normalized)
}

// RegisterEventObserver subscribes obs to every lifecycle event the
// facade emits for the remainder of the Engine's lifetime.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if obs == nil {
		return
	}
	e.obsMu.Lock()
	e.observers = append(e.observers, obs)
	e.obsMu.Unlock()
}

func (e *Engine) dispatchEvent(ev events.Event) {
	if e.eventBus != nil {
		_ = e.eventBus.Publish(ev)
	}

	e.obsMu.Lock()
	observers := append([]EventObserver(nil), e.observers...)
	e.obsMu.Unlock()
	if len(observers) == 0 {
		return
	}

	out := TelemetryEvent{
		Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity,
		TraceID: ev.TraceID, SpanID: ev.SpanID, Labels: ev.Labels, Fields: ev.Fields,
	}
	for _, obs := range observers {
		func(o EventObserver) {
			defer func() { _ = recover() }()
			o(out)
		}(obs)
	}
}

func (e *Engine) onModelManagerEvent(event string, desc types.ModelDescriptor) {
	e.log.Info().Str("event", event).Str("model_id", desc.ID).Msg("model manager transition")
	e.dispatchEvent(events.Event{
		Time: time.Now(), Category: events.CategoryHealth, Type: event, Severity: "info",
		Labels: map[string]string{"model_id": desc.ID},
	})
}

func (e *Engine) onSloEdge(event qos.EdgeEvent, eval qos.Evaluation) {
	severity := "warning"
	if event == qos.EdgeViolation {
		severity = "critical"
	}
	e.dispatchEvent(events.Event{
		Time: time.Now(), Category: events.CategoryHealth, Type: string(event), Severity: severity,
		Labels: map[string]string{"metric": string(eval.Slo.Metric), "model_id": eval.Slo.ModelID, "tenant_id": eval.Slo.TenantID},
		Fields: map[string]any{"current": eval.CurrentValue, "threshold": eval.Threshold},
	})

	matched, ok := e.policyStore.MatchFor(eval.Slo.TenantID, eval.Slo.ModelID)
	if !ok {
		return
	}
	for _, fireErr := range e.remediation.Handle(event, eval, matched) {
		e.log.Warn().Err(fireErr).Msg("remediation action failed")
	}
}

func (e *Engine) dispatchRemediation(action types.RemediationAction) error {
	e.log.Info().Str("type", string(action.Type)).Str("target", action.Target).Str("reason", action.Reason).Msg("qos remediation fired")
	e.dispatchEvent(events.Event{
		Time: time.Now(), Category: events.CategoryHealth, Type: "remediation:" + string(action.Type), Severity: "warning",
		Labels: map[string]string{"target": action.Target}, Fields: action.Params,
	})

	if action.Target == "streams" {
		delta := -4
		if v, ok := action.Params["delta"].(float64); ok {
			delta = int(v)
		}
		e.streams.AdjustActiveLimit(delta)
	}
	return nil
}

func (e *Engine) onCanaryTransition(t types.StageTransition) {
	e.log.Info().Str("from", string(t.From)).Str("to", string(t.To)).Str("type", string(t.Type)).Str("reason", t.Reason).Msg("canary stage transition")
	if t.Type == types.TransitionRollback {
		e.canaryRouter.Clear()
	}
	e.dispatchEvent(events.Event{
		Time: t.At, Category: events.CategoryHealth, Type: "canary:transition", Severity: "info",
		Labels: map[string]string{"from": string(t.From), "to": string(t.To), "kind": string(t.Type)},
		Fields: map[string]any{"reason": t.Reason},
	})
}

// routeVariant decides baseline vs. canary for a generation request,
// always baseline when the canary subsystem is disabled.
func (e *Engine) routeVariant(params GenerateParams) canary.Variant {
	if !e.cfg.Canary.Enabled {
		return canary.VariantBaseline
	}
	identifier := params.SessionID
	if identifier == "" {
		identifier = params.TenantID
	}
	if identifier == "" {
		identifier = params.RequestID
	}
	return e.canaryRouter.Route(identifier, e.canaryManager.Snapshot().Stage)
}

// modelIDFor derives the worker-facing model id for a routed variant. The
// canary model is conventionally registered under a "-canary" suffix.
func (e *Engine) modelIDFor(baseModelID string, variant canary.Variant) string {
	if variant == canary.VariantCanary {
		return baseModelID + "-canary"
	}
	return baseModelID
}

func (e *Engine) recordCanary(variant canary.Variant, latencyMs float64, errored bool) {
	if !e.cfg.Canary.Enabled {
		return
	}
	e.canaryCollector.Record(variant, canary.RequestRecord{At: time.Now(), LatencyMs: latencyMs, Errored: errored})
}

// sweepLoop periodically reaps timed-out streams and, when clustered,
// stale worker registrations.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.streams.SweepTimeouts()
			if e.dispatchRegistry != nil {
				e.dispatchRegistry.SweepOffline(time.Now())
			}
		}
	}
}

// sloLoop drives the SLO Evaluator against every enabled QoS policy's
// SLOs until the Engine stops.
func (e *Engine) sloLoop() {
	defer e.wg.Done()
	e.sloEval.Run(e.stopCh, 10*time.Second, func() []types.SloDefinition {
		var out []types.SloDefinition
		for _, p := range e.policyStore.All() {
			if !p.Enabled {
				continue
			}
			out = append(out, p.Slos...)
		}
		return out
	})
}

// canaryLoop periodically asks the Canary Manager to re-evaluate rollout
// health and potentially advance or roll back the current stage.
func (e *Engine) canaryLoop() {
	defer e.wg.Done()
	interval := e.cfg.Canary.Advance.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.canaryManager.CheckHealth(time.Now())
		}
	}
}

// Shutdown stops all background loops, drains in-flight admission work,
// and closes the multiplexer. Idempotent.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.admission.Drain()
		e.multiplex.Close()
		e.wg.Wait()
	})
	return nil
}
