package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/coreweave-labs/inferunner/internal/canary"
	"github.com/coreweave-labs/inferunner/internal/types"
)

// PolicyFile is the YAML document PolicyWatcher hot-reloads onto a running
// Engine: QoS policies and the canary rollback/advance thresholds. Any
// section a caller omits is left at whatever UpdateConfig's own zero-value
// fallback applies (DefaultRollbackConfig/DefaultAdvanceConfig).
type PolicyFile struct {
	QosPolicies []types.QosPolicy `yaml:"qos_policies"`
	Canary      struct {
		Rollback canary.RollbackConfig `yaml:"rollback"`
		Advance  canary.AdvanceConfig  `yaml:"advance"`
	} `yaml:"canary"`
}

// ApplyPolicyFile hot-swaps QoS policies and canary rollback/advance
// thresholds without restarting the Engine, the way PolicyWatcher applies
// every reload.
func (e *Engine) ApplyPolicyFile(pf PolicyFile) {
	if e.policyStore != nil {
		e.policyStore.Replace(pf.QosPolicies)
	}
	if e.canaryRollback != nil {
		e.canaryRollback.UpdateConfig(pf.Canary.Rollback)
	}
	if e.canaryManager != nil {
		e.canaryManager.UpdateAdvanceConfig(pf.Canary.Advance)
	}
}

// PolicyWatcher hot-reloads the QoS/canary policy file onto a running
// Engine. Grounded on the teacher's internal/runtime.HotReloadSystem: an
// fsnotify.Watcher on the file's directory, filtered to Write events on
// the exact path, reloading and reapplying on every change.
type PolicyWatcher struct {
	path    string
	log     zerolog.Logger
	watcher *fsnotify.Watcher

	mu         sync.Mutex
	isWatching bool
}

// NewPolicyWatcher constructs a PolicyWatcher for path.
func NewPolicyWatcher(path string, log zerolog.Logger) (*PolicyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy file watcher: %w", err)
	}
	return &PolicyWatcher{path: path, log: log, watcher: w}, nil
}

// Watch loads path once immediately (a missing file is not an error — the
// Engine simply keeps whatever policies it already has), then applies
// every subsequent write to e until ctx is cancelled. Watch may only be
// called once per PolicyWatcher.
func (pw *PolicyWatcher) Watch(ctx context.Context, e *Engine) error {
	if err := pw.reload(e); err != nil && !os.IsNotExist(err) {
		pw.log.Warn().Err(err).Str("path", pw.path).Msg("initial policy file load failed")
	}

	pw.mu.Lock()
	if pw.isWatching {
		pw.mu.Unlock()
		return errors.New("policy watcher: already watching")
	}
	dir := filepath.Dir(pw.path)
	if err := pw.watcher.Add(dir); err != nil {
		pw.mu.Unlock()
		return fmt.Errorf("watch policy dir %s: %w", dir, err)
	}
	pw.isWatching = true
	pw.mu.Unlock()

	go pw.loop(ctx, e)
	return nil
}

func (pw *PolicyWatcher) loop(ctx context.Context, e *Engine) {
	defer pw.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != pw.path || ev.Op&fsnotify.Write == 0 {
				continue
			}
			if err := pw.reload(e); err != nil {
				pw.log.Warn().Err(err).Str("path", pw.path).Msg("policy file reload failed")
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.log.Warn().Err(err).Msg("policy file watcher error")
		}
	}
}

func (pw *PolicyWatcher) reload(e *Engine) error {
	data, err := os.ReadFile(pw.path)
	if err != nil {
		return err
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	e.ApplyPolicyFile(pf)
	pw.log.Info().Str("path", pw.path).Int("qos_policies", len(pf.QosPolicies)).Msg("policy file reloaded")
	return nil
}
