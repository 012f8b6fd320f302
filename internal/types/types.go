// Package types holds the data model shared by every control-plane
// component: model descriptors and handles, requests, streams,
// fingerprints, QoS policies, canary deployments, and worker registrations.
package types

import "time"

// ModelSource identifies where a model descriptor's bytes originate.
type ModelSource string

const (
	SourceLocal      ModelSource = "local"
	SourceRemoteHub  ModelSource = "remote-hub"
	SourceCustom     ModelSource = "custom"
)

// Modality is the input/output shape a model accepts.
type Modality string

const (
	ModalityText   Modality = "text"
	ModalityVision Modality = "vision"
)

// Quantization is the numeric precision a model was quantized to.
type Quantization string

const (
	QuantNone Quantization = "none"
	QuantInt8 Quantization = "int8"
	QuantInt4 Quantization = "int4"
)

// ModelDescriptor is the immutable identity of a model.
type ModelDescriptor struct {
	ID           string       `json:"id"`
	Source       ModelSource  `json:"source"`
	Modality     Modality     `json:"modality"`
	Family       string       `json:"family,omitempty"`
	Revision     string       `json:"revision,omitempty"`
	Quantization Quantization `json:"quantization,omitempty"`
	LocalPath    string       `json:"local_path,omitempty"`
}

// HandleState is the lifecycle state of a loaded model.
type HandleState string

const (
	HandleLoading   HandleState = "loading"
	HandleReady     HandleState = "ready"
	HandleFailed    HandleState = "failed"
	HandleUnloading HandleState = "unloading"
)

// TokenizerInfo describes the tokenizer bound to a loaded model.
type TokenizerInfo struct {
	Type      string `json:"type"`
	VocabSize int    `json:"vocab_size"`
}

// ModelMetadata carries informational model attributes surfaced to callers.
type ModelMetadata struct {
	ParameterCount int64  `json:"parameter_count,omitempty"`
	DType          string `json:"dtype,omitempty"`
	Architecture   string `json:"architecture,omitempty"`
}

// ModelHandle is the runtime state of a loaded model. Mutated only by the
// Model Manager; at most one handle exists per descriptor id at any time.
type ModelHandle struct {
	Descriptor    ModelDescriptor `json:"descriptor"`
	State         HandleState     `json:"state"`
	ContextLength int             `json:"context_length"`
	Tokenizer     TokenizerInfo   `json:"tokenizer"`
	Metadata      ModelMetadata   `json:"metadata"`
	LoadedAt      time.Time       `json:"loaded_at"`
}

// EvictionPolicy selects the artifact cache's eviction strategy.
type EvictionPolicy string

const (
	EvictionLRU  EvictionPolicy = "lru"
	EvictionLFU  EvictionPolicy = "lfu"
	EvictionFIFO EvictionPolicy = "fifo"
)

// ArtifactCacheEntry is an on-disk cached model artifact, keyed by a
// deterministic hash over (id, revision, quantization).
type ArtifactCacheEntry struct {
	Hash           string         `json:"hash"`
	SizeBytes      int64          `json:"size_bytes"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	ArtifactPath   string         `json:"artifact_path"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Priority is a request's scheduling priority. Lower is more urgent.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
	PriorityBackground Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// NumPriorityLevels is the count of distinct scheduler levels.
const NumPriorityLevels = 5

// RequestKind identifies the operation a Request represents.
type RequestKind string

const (
	KindLoad        RequestKind = "load"
	KindUnload      RequestKind = "unload"
	KindTokenize    RequestKind = "tokenize"
	KindGenerate    RequestKind = "generate"
	KindCheckDraft  RequestKind = "check_draft"
)

// RequestStatus is a Request's lifecycle stage.
type RequestStatus string

const (
	StatusSubmitted RequestStatus = "submitted"
	StatusQueued    RequestStatus = "queued"
	StatusDispatched RequestStatus = "dispatched"
	StatusCompleted RequestStatus = "completed"
	StatusCancelled RequestStatus = "cancelled"
	StatusFailed    RequestStatus = "failed"
)

// Request is a unit of work submitted through the Engine Facade.
type Request struct {
	ID               string         `json:"id"`
	Kind             RequestKind    `json:"kind"`
	ModelID          string         `json:"model_id"`
	Payload          map[string]any `json:"payload,omitempty"`
	Priority         Priority       `json:"priority"`
	EffectivePriority Priority      `json:"effective_priority"`
	QueuedAt         time.Time      `json:"queued_at"`
	Deadline         *time.Time     `json:"deadline,omitempty"`
	TenantID         string         `json:"tenant_id,omitempty"`
	Status           RequestStatus  `json:"status"`
	AgingBumps       int            `json:"aging_bumps"`
}

// StreamState is a StreamEntry's lifecycle stage.
type StreamState string

const (
	StreamIdle      StreamState = "idle"
	StreamStreaming StreamState = "streaming"
	StreamCompleted StreamState = "completed"
	StreamCancelled StreamState = "cancelled"
	StreamErrored   StreamState = "errored"
)

// StreamEntry is the registry's record of an in-flight generation stream.
type StreamEntry struct {
	StreamID       string      `json:"stream_id"`
	State          StreamState `json:"state"`
	AckedChunks    int64       `json:"acked_chunks"`
	UnackedChunks  int64       `json:"unacked_chunks"`
	CreatedAt      time.Time   `json:"created_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	CancelReason   string      `json:"cancel_reason,omitempty"`
}

// FingerprintCacheEntry is a deduplication record keyed by the SHA-256 of
// canonicalized generation parameters.
type FingerprintCacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SloMetric is a metric an SLO evaluates.
type SloMetric string

const (
	MetricTTFT       SloMetric = "ttft"
	MetricLatencyP95 SloMetric = "latency_p95"
	MetricErrorRate  SloMetric = "error_rate"
	MetricThroughput SloMetric = "throughput"
)

// Severity is the urgency of an SLO violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SloDefinition declares a single service-level objective.
type SloDefinition struct {
	Metric    SloMetric `json:"metric"`
	Threshold float64   `json:"threshold"`
	WindowMs  int64     `json:"window_ms"`
	TenantID  string    `json:"tenant_id,omitempty"`
	ModelID   string    `json:"model_id,omitempty"`
	Severity  Severity  `json:"severity"`
}

// RemediationType is a corrective action the QoS engine may trigger.
type RemediationType string

const (
	RemediationScaleUp   RemediationType = "scale_up"
	RemediationScaleDown RemediationType = "scale_down"
	RemediationThrottle  RemediationType = "throttle"
	RemediationAlert     RemediationType = "alert"
	RemediationRestart   RemediationType = "restart"
)

// RemediationAction is an action taken in response to an SLO violation.
type RemediationAction struct {
	Type   RemediationType `json:"type"`
	Target string          `json:"target"`
	Params map[string]any  `json:"params,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// QosPolicy groups SLOs and remediation actions for a priority class.
type QosPolicy struct {
	ID            string              `json:"id"`
	Priority      int                 `json:"priority"`
	Enabled       bool                `json:"enabled"`
	Slos          []SloDefinition     `json:"slos"`
	Remediations  []RemediationAction `json:"remediations"`
}

// CanaryStage is a rollout percentage bucket.
type CanaryStage string

const (
	StageOff  CanaryStage = "off"
	Stage10   CanaryStage = "10%"
	Stage25   CanaryStage = "25%"
	Stage50   CanaryStage = "50%"
	Stage100  CanaryStage = "100%"
)

// StagePercent maps a CanaryStage to its rollout percentage.
var StagePercent = map[CanaryStage]int{
	StageOff: 0,
	Stage10:  10,
	Stage25:  25,
	Stage50:  50,
	Stage100: 100,
}

// StageTransitionType classifies why a canary stage changed.
type StageTransitionType string

const (
	TransitionAdvance  StageTransitionType = "advance"
	TransitionRollback StageTransitionType = "rollback"
	TransitionManual   StageTransitionType = "manual"
)

// StageTransition records one canary stage change.
type StageTransition struct {
	From   CanaryStage          `json:"from"`
	To     CanaryStage          `json:"to"`
	Type   StageTransitionType  `json:"type"`
	Reason string               `json:"reason"`
	At     time.Time            `json:"at"`
}

// CanaryDeployment is the rollout state for a baseline/canary pair.
type CanaryDeployment struct {
	Stage           CanaryStage       `json:"stage"`
	StageStartTime  time.Time         `json:"stage_start_time"`
	Transitions     []StageTransition `json:"transitions,omitempty"`
	LastHealthCheck time.Time         `json:"last_health_check"`
	LastRollbackAt  time.Time         `json:"last_rollback_at,omitempty"`
}

// WorkerState is a registered worker's connectivity state.
type WorkerState string

const (
	WorkerOnline  WorkerState = "online"
	WorkerDraining WorkerState = "draining"
	WorkerOffline WorkerState = "offline"
)

// WorkerRegistration is a distributed worker's registry entry.
type WorkerRegistration struct {
	WorkerID        string      `json:"worker_id"`
	Hostname        string      `json:"hostname"`
	AvailableModels []string    `json:"available_models"`
	LastHeartbeat   time.Time   `json:"last_heartbeat"`
	State           WorkerState `json:"state"`
}

// IsOffline reports whether the worker should be considered offline given
// the current time and the configured offline timeout.
func (w WorkerRegistration) IsOffline(now time.Time, offlineTimeout time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > offlineTimeout
}
