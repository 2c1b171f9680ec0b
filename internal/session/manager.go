package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/localchat/internal/models"
	"go.uber.org/zap"
)

// Options configures a Manager.
type Options struct {
	// ModelID is passed to the Loader on every load.
	ModelID string
	// SystemPrompt is prepended as a system turn to every generation when not empty.
	SystemPrompt string
	// Params are the fixed decoding parameters of every generation.
	Params Params
	// LoadTimeout bounds a single load. Zero means no timeout.
	LoadTimeout time.Duration
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	Status   models.ModelStatus       `json:"status"`
	Progress models.ModelLoadProgress `json:"progress"`
	Error    string                   `json:"error,omitempty"`
}

// Manager guarantees that at most one engine is alive and that it is only used once fully loaded.
//
// The status moves idle → loading → ready ⇄ generating, with loading → error on a failed load and
// error → loading on retry. Dispose returns the manager to idle.
type Manager struct {
	loader Loader
	opts   Options
	logger *zap.Logger

	mu           sync.Mutex
	status       models.ModelStatus
	progress     models.ModelLoadProgress
	lastErr      error
	engine       Engine
	initializing bool
	// epoch changes on Dispose so results of loads and generations started before it are discarded.
	epoch     uint64
	observers []func(Snapshot)
}

// NewManager creates an idle Manager. Nothing is loaded until Initialize is called.
func NewManager(loader Loader, opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		loader: loader,
		opts:   opts,
		logger: logger.With(zap.String("module", "session"), zap.String("model", opts.ModelID)),
		status: models.StatusIdle,
	}
}

// Subscribe registers fn to be called with a snapshot after every status or progress change. fn is
// called synchronously from the goroutine that made the change and must not block.
func (m *Manager) Subscribe(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Snapshot returns the current status, load progress and last load error.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Status returns the current status.
func (m *Manager) Status() models.ModelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Initialize loads the configured model. It returns immediately with a nil error if a load is already
// in flight or an engine already exists; callers interested in the outcome of that load should
// Subscribe instead. A failed load leaves the manager in the error state and returns an *InitError;
// calling Initialize again retries.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initializing || m.engine != nil {
		m.mu.Unlock()
		return nil
	}
	m.initializing = true
	m.status = models.StatusLoading
	m.lastErr = nil
	m.progress = models.ModelLoadProgress{Text: "Initializing..."}
	epoch := m.epoch
	snap := m.snapshotLocked()
	observers := m.observersLocked()
	m.mu.Unlock()
	notify(observers, snap)

	if m.opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.LoadTimeout)
		defer cancel()
	}

	m.logger.Info("Loading model")
	start := time.Now()
	engine, err := m.loader.Load(ctx, m.opts.ModelID, func(p Progress) {
		m.reportProgress(epoch, start, p)
	})
	if err == nil && engine == nil {
		err = fmt.Errorf("loader returned no engine")
	}

	m.mu.Lock()
	if m.epoch != epoch {
		// Disposed while loading: the result belongs to nobody.
		m.mu.Unlock()
		if engine != nil {
			if derr := engine.Dispose(context.Background()); derr != nil {
				m.logger.Warn("Failed to dispose stale engine", zap.Error(derr))
			}
		}
		return nil
	}

	if err != nil {
		initErr := &InitError{ModelID: m.opts.ModelID, Err: err}
		m.status = models.StatusError
		m.lastErr = initErr
		m.initializing = false
		snap = m.snapshotLocked()
		observers = m.observersLocked()
		m.mu.Unlock()
		notify(observers, snap)

		m.logger.Error("Failed to load model", zap.Error(err))
		return initErr
	}

	m.engine = engine
	m.status = models.StatusReady
	m.initializing = false
	m.progress.Fraction = 100
	m.progress.ElapsedSeconds = int(time.Since(start).Seconds())
	snap = m.snapshotLocked()
	observers = m.observersLocked()
	m.mu.Unlock()
	notify(observers, snap)

	m.logger.Info("Model ready", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// ResetSession asks the engine to clear the conversational context it keeps internally. The engine is
// kept and the status is unchanged. It is a no-op when no engine is loaded.
func (m *Manager) ResetSession(ctx context.Context) error {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()

	if engine == nil {
		return nil
	}
	if err := engine.ResetContext(ctx); err != nil {
		return fmt.Errorf("failed to reset engine context: %w", err)
	}
	return nil
}

// Dispose releases the engine and returns the manager to idle, after which Initialize must be called
// again. Loads and generations in flight finish without affecting the new state.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	engine := m.engine
	m.engine = nil
	m.epoch++
	m.initializing = false
	m.status = models.StatusIdle
	m.progress = models.ModelLoadProgress{}
	m.lastErr = nil
	snap := m.snapshotLocked()
	observers := m.observersLocked()
	m.mu.Unlock()
	notify(observers, snap)

	if engine == nil {
		return nil
	}
	m.logger.Info("Disposing engine")
	if err := engine.Dispose(ctx); err != nil {
		return fmt.Errorf("failed to dispose engine: %w", err)
	}
	return nil
}

func (m *Manager) reportProgress(epoch uint64, start time.Time, p Progress) {
	m.mu.Lock()
	if m.epoch != epoch || m.status != models.StatusLoading {
		m.mu.Unlock()
		return
	}

	fraction := min(max(p.Fraction*100, 0), 100)
	// Progress never goes backwards within a load, even if the loader restarts a phase.
	m.progress.Fraction = max(m.progress.Fraction, fraction)
	m.progress.Text = p.Text
	m.progress.ElapsedSeconds = int(time.Since(start).Seconds())
	snap := m.snapshotLocked()
	observers := m.observersLocked()
	m.mu.Unlock()
	notify(observers, snap)
}

// setStatus changes the status if the epoch still matches and the current status is from.
func (m *Manager) setStatus(epoch uint64, from, to models.ModelStatus) bool {
	m.mu.Lock()
	if m.epoch != epoch || m.status != from {
		m.mu.Unlock()
		return false
	}
	m.status = to
	snap := m.snapshotLocked()
	observers := m.observersLocked()
	m.mu.Unlock()
	notify(observers, snap)
	return true
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:   m.status,
		Progress: m.progress,
	}
	if m.lastErr != nil {
		snap.Error = m.lastErr.Error()
	}
	return snap
}

func (m *Manager) observersLocked() []func(Snapshot) {
	return slices.Clone(m.observers)
}

func notify(observers []func(Snapshot), snap Snapshot) {
	for _, fn := range observers {
		fn(snap)
	}
}
