package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coreweave-labs/inferunner/internal/admission"
	"github.com/coreweave-labs/inferunner/internal/canary"
	"github.com/coreweave-labs/inferunner/internal/dedup"
	"github.com/coreweave-labs/inferunner/internal/dispatch"
	"github.com/coreweave-labs/inferunner/internal/limiter"
	"github.com/coreweave-labs/inferunner/internal/models"
	"github.com/coreweave-labs/inferunner/internal/modelmanager"
	"github.com/coreweave-labs/inferunner/internal/multiplex"
	"github.com/coreweave-labs/inferunner/internal/qos"
	"github.com/coreweave-labs/inferunner/internal/scheduler"
	"github.com/coreweave-labs/inferunner/internal/streams"
	"github.com/coreweave-labs/inferunner/internal/transport"
	"github.com/coreweave-labs/inferunner/internal/types"
)

// ClusterMode selects whether the Engine acts as a single-node instance, a
// cluster controller, a worker, or both.
type ClusterMode string

const (
	ClusterDisabled   ClusterMode = "disabled"
	ClusterController ClusterMode = "controller"
	ClusterWorker     ClusterMode = "worker"
	ClusterBoth       ClusterMode = "both"
)

// ClusterConfig controls horizontal dispatch (C12).
type ClusterConfig struct {
	Mode              ClusterMode
	Dispatch          dispatch.Config
	RoutingStrategy   string // round_robin | least_loaded | latency_aware | consistent_hash
	ConsistentHashRing int
	RedisAddr         string // non-empty selects RedisAffinityStore over the in-memory default
}

// CanaryConfig controls the canary rollout subsystem (C11).
type CanaryConfig struct {
	Enabled      bool
	InitialStage types.CanaryStage
	Router       canary.RouterConfig
	Rollback     canary.RollbackConfig
	Advance      canary.AdvanceConfig
	MetricsWindow time.Duration
}

// ModelConfig controls model identity and trust validation (C5).
type ModelConfig struct {
	DefaultContextLength   int
	DefaultQuantization    types.Quantization
	TrustedModelDirectories []string
}

// Config is the public configuration surface for the Engine facade. Each
// field nests a component's own Config type, normalized here the way the
// teacher's telemetry/policy.TelemetryPolicy.Normalize() clamps and
// defaults fields, rather than duplicating every knob at the top level.
type Config struct {
	IPC           transport.Config
	Multiplex     multiplex.Config
	Dedup         dedup.Config
	Streams       streams.Config
	ArtifactCache models.Config
	ModelManager  modelmanager.Config
	Model         ModelConfig
	Limiter       limiter.Config
	Scheduler     scheduler.Config
	Admission     admission.Config

	QosPolicies          []types.QosPolicy
	QosMetricCompression float64
	Remediation          qos.RemediationConfig

	Canary CanaryConfig

	Cluster ClusterConfig

	MetricsEnabled bool
	MetricsBackend string
	LogLevel       string
}

// Defaults returns a Config with reasonable defaults for every subsystem,
// composed from each component package's own DefaultConfig() where it has
// one (Admission and Model are set inline here), the way the
// teacher's Defaults() composes ratelimit/resources/pipeline defaults.
func Defaults() Config {
	return Config{
		IPC:           transport.DefaultConfig(),
		Multiplex:     multiplex.DefaultConfig(),
		Dedup:         dedup.DefaultConfig(),
		Streams:       streams.DefaultConfig(),
		ArtifactCache: models.DefaultConfig(),
		ModelManager:  modelmanager.DefaultConfig(),
		Model: ModelConfig{
			DefaultContextLength: 4096,
			DefaultQuantization:  types.QuantNone,
		},
		Limiter:   limiter.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Admission: admission.Config{MaxConcurrent: 32},

		QosPolicies:          nil,
		QosMetricCompression: 100,
		Remediation:          qos.DefaultRemediationConfig(),

		Canary: CanaryConfig{
			Enabled:       false,
			InitialStage:  types.StageOff,
			Router:        canary.DefaultRouterConfig(),
			Rollback:      canary.DefaultRollbackConfig(),
			Advance:       canary.DefaultAdvanceConfig(),
			MetricsWindow: time.Hour,
		},

		Cluster: ClusterConfig{
			Mode:               ClusterDisabled,
			Dispatch:           dispatch.DefaultConfig(),
			RoutingStrategy:    "round_robin",
			ConsistentHashRing: 128,
		},

		MetricsEnabled: false,
		MetricsBackend: "prom",
		LogLevel:       "info",
	}
}

// normalize clamps zero-value or nonsensical fields to safe defaults,
// mirroring internal/telemetry/policy.TelemetryPolicy.Normalize()'s idiom
// of never trusting a caller-supplied Config to be fully populated.
func (c Config) normalize() Config {
	def := Defaults()
	if c.IPC.DefaultTimeout <= 0 {
		c.IPC = def.IPC
	}
	if c.Multiplex.MaxBatchSize <= 0 && !c.Multiplex.Disabled {
		c.Multiplex = def.Multiplex
	}
	if c.Dedup.MaxEntries <= 0 {
		c.Dedup = def.Dedup
	}
	if c.Streams.StreamQueueSize <= 0 {
		c.Streams = def.Streams
	}
	if c.ArtifactCache.MaxEntries <= 0 {
		c.ArtifactCache = def.ArtifactCache
	}
	if c.ModelManager.MaxLoadedModels <= 0 {
		c.ModelManager = def.ModelManager
	}
	if c.Model.DefaultContextLength <= 0 {
		c.Model.DefaultContextLength = def.Model.DefaultContextLength
	}
	if len(c.Limiter.Tiers) == 0 {
		c.Limiter = def.Limiter
	}
	if c.Scheduler.FairnessInterval <= 0 {
		c.Scheduler = def.Scheduler
	}
	if c.Admission.MaxConcurrent <= 0 {
		c.Admission = def.Admission
	}
	if c.QosMetricCompression <= 0 {
		c.QosMetricCompression = def.QosMetricCompression
	}
	if c.Remediation.LoopWindow <= 0 {
		c.Remediation = def.Remediation
	}
	if c.Canary.Router.StickinessCache <= 0 {
		c.Canary.Router = def.Canary.Router
	}
	if c.Canary.Rollback.RollbackCooldown <= 0 {
		c.Canary.Rollback = def.Canary.Rollback
	}
	if c.Canary.Advance.MinStageDuration <= 0 {
		c.Canary.Advance = def.Canary.Advance
	}
	if c.Canary.MetricsWindow <= 0 {
		c.Canary.MetricsWindow = def.Canary.MetricsWindow
	}
	if c.Cluster.Mode == "" {
		c.Cluster.Mode = ClusterDisabled
	}
	if c.Cluster.Dispatch.OfflineTimeout <= 0 {
		c.Cluster.Dispatch = def.Cluster.Dispatch
	}
	if c.Cluster.ConsistentHashRing <= 0 {
		c.Cluster.ConsistentHashRing = def.Cluster.ConsistentHashRing
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return c
}

// LoadConfig reads a YAML configuration file from path, unmarshals it onto
// Defaults() so every field a caller omits keeps its default, and runs the
// result through normalize(). A missing file yields Defaults() unchanged,
// the way the teacher's RuntimeConfigManager.LoadConfiguration treats a
// config file that hasn't been written yet as "use the zero-value config".
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg.normalize(), nil
}
