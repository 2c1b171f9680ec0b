package session_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/localchat/internal/models"
	"github.com/MegaGrindStone/localchat/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockEngine struct {
	deltas []string
	err    error
	// block, if set, is waited on before the first delta.
	block chan struct{}

	mu       sync.Mutex
	turns    []session.Turn
	params   session.Params
	resets   int
	disposed int
}

type mockLoader struct {
	engine   *mockEngine
	err      error
	progress []session.Progress
	// release, if set, holds the load until it is closed or the context ends.
	release chan struct{}
	started chan struct{}

	loads atomic.Int32
}

func (l *mockLoader) Load(ctx context.Context, _ string, onProgress func(session.Progress)) (session.Engine, error) {
	l.loads.Add(1)
	if l.started != nil {
		l.started <- struct{}{}
	}
	for _, p := range l.progress {
		onProgress(p)
	}
	if l.release != nil {
		select {
		case <-l.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.engine, nil
}

func (e *mockEngine) StreamCompletion(ctx context.Context, turns []session.Turn, params session.Params) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		e.mu.Lock()
		e.turns = turns
		e.params = params
		e.mu.Unlock()

		if e.block != nil {
			select {
			case <-e.block:
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}
		for _, d := range e.deltas {
			if !yield(d, nil) {
				return
			}
		}
		if e.err != nil {
			yield("", e.err)
		}
	}
}

func (e *mockEngine) ResetContext(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
	return nil
}

func (e *mockEngine) Dispose(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed++
	return nil
}

func newManager(loader session.Loader, opts session.Options) *session.Manager {
	if opts.ModelID == "" {
		opts.ModelID = "test-model"
	}
	if opts.Params == (session.Params{}) {
		opts.Params = session.DefaultParams
	}
	return session.NewManager(loader, opts, zap.NewNop())
}

func readyManager(t *testing.T, engine *mockEngine) *session.Manager {
	t.Helper()
	m := newManager(&mockLoader{engine: engine}, session.Options{})
	require.NoError(t, m.Initialize(context.Background()))
	require.Equal(t, models.StatusReady, m.Status())
	return m
}

func TestInitializeConcurrentCallsLoadOnce(t *testing.T) {
	loader := &mockLoader{
		engine:  &mockEngine{},
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	m := newManager(loader, session.Options{})

	done := make(chan error, 1)
	go func() { done <- m.Initialize(context.Background()) }()
	<-loader.started

	require.Equal(t, models.StatusLoading, m.Status())
	for range 5 {
		// Returns immediately without waiting for the first load.
		require.NoError(t, m.Initialize(context.Background()))
	}

	close(loader.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), loader.loads.Load())
	assert.Equal(t, models.StatusReady, m.Status())

	// An engine exists, so further calls are no-ops too.
	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, int32(1), loader.loads.Load())
}

func TestInitializeFailureThenRetry(t *testing.T) {
	loader := &mockLoader{err: errors.New("no GPU available")}
	m := newManager(loader, session.Options{})

	var statuses []models.ModelStatus
	m.Subscribe(func(s session.Snapshot) { statuses = append(statuses, s.Status) })

	err := m.Initialize(context.Background())
	var initErr *session.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "test-model", initErr.ModelID)

	snap := m.Snapshot()
	assert.Equal(t, models.StatusError, snap.Status)
	assert.Contains(t, snap.Error, "no GPU available")

	loader.err = nil
	loader.engine = &mockEngine{}
	require.NoError(t, m.Initialize(context.Background()))

	snap = m.Snapshot()
	assert.Equal(t, models.StatusReady, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Equal(t, int32(2), loader.loads.Load())
	assert.Equal(t, []models.ModelStatus{
		models.StatusLoading, models.StatusError, models.StatusLoading, models.StatusReady,
	}, statuses)
}

func TestInitializeTimeout(t *testing.T) {
	loader := &mockLoader{engine: &mockEngine{}, release: make(chan struct{})}
	m := newManager(loader, session.Options{LoadTimeout: 20 * time.Millisecond})

	err := m.Initialize(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.StatusError, m.Status())
}

func TestInitializeProgressNeverDecreases(t *testing.T) {
	loader := &mockLoader{
		engine: &mockEngine{},
		progress: []session.Progress{
			{Fraction: 0.1, Text: "fetching"},
			{Fraction: 0.5, Text: "fetching"},
			{Fraction: 0.3, Text: "verifying"},
			{Fraction: 1.2, Text: "done"},
		},
	}
	m := newManager(loader, session.Options{})

	var fractions []float64
	m.Subscribe(func(s session.Snapshot) {
		if s.Status == models.StatusLoading {
			fractions = append(fractions, s.Progress.Fraction)
		}
	})
	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, []float64{0, 10, 50, 50, 100}, fractions)
	assert.Equal(t, float64(100), m.Snapshot().Progress.Fraction)
}

func TestResetSession(t *testing.T) {
	m := newManager(&mockLoader{engine: &mockEngine{}}, session.Options{})
	require.NoError(t, m.ResetSession(context.Background()), "no engine is a no-op")

	engine := &mockEngine{}
	m = readyManager(t, engine)
	require.NoError(t, m.ResetSession(context.Background()))
	require.NoError(t, m.ResetSession(context.Background()))

	assert.Equal(t, 2, engine.resets)
	assert.Equal(t, models.StatusReady, m.Status())
}

func TestDisposeRequiresInitialize(t *testing.T) {
	engine := &mockEngine{deltas: []string{"hi"}}
	loader := &mockLoader{engine: engine}
	m := newManager(loader, session.Options{})
	require.NoError(t, m.Initialize(context.Background()))

	require.NoError(t, m.Dispose(context.Background()))
	assert.Equal(t, 1, engine.disposed)
	assert.Equal(t, models.StatusIdle, m.Status())

	_, err := m.Generate(context.Background(), nil, nil)
	require.ErrorIs(t, err, session.ErrNotReady)

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, int32(2), loader.loads.Load())
	assert.Equal(t, models.StatusReady, m.Status())
}

func TestDisposeWhileLoadingDiscardsEngine(t *testing.T) {
	engine := &mockEngine{}
	loader := &mockLoader{engine: engine, release: make(chan struct{}), started: make(chan struct{}, 1)}
	m := newManager(loader, session.Options{})

	done := make(chan error, 1)
	go func() { done <- m.Initialize(context.Background()) }()
	<-loader.started

	require.NoError(t, m.Dispose(context.Background()))
	close(loader.release)
	require.NoError(t, <-done)

	assert.Equal(t, models.StatusIdle, m.Status())
	assert.Equal(t, 1, engine.disposed)
}

func TestGenerateCumulativeChunks(t *testing.T) {
	engine := &mockEngine{deltas: []string{"Hel", "lo", "", ", wor", "ld!"}}
	m := readyManager(t, engine)

	var statusDuring models.ModelStatus
	var chunks []string
	final, err := m.Generate(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "Say hello"},
	}, func(text string) {
		statusDuring = m.Status()
		chunks = append(chunks, text)
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello, world!", final)
	assert.Equal(t, []string{"Hel", "Hello", "Hello, wor", "Hello, world!"}, chunks)
	for i := 1; i < len(chunks); i++ {
		assert.True(t, strings.HasPrefix(chunks[i], chunks[i-1]), "chunk %d must extend chunk %d", i, i-1)
	}
	assert.Equal(t, models.StatusGenerating, statusDuring)
	assert.Equal(t, models.StatusReady, m.Status())
	assert.Equal(t, session.DefaultParams, engine.params)
}

func TestGenerateTurns(t *testing.T) {
	engine := &mockEngine{deltas: []string{"ok"}}
	m := newManager(&mockLoader{engine: engine}, session.Options{SystemPrompt: "Be brief."})
	require.NoError(t, m.Initialize(context.Background()))

	_, err := m.Generate(context.Background(), []models.Message{
		{
			Role:        models.RoleUser,
			Content:     "Summarize",
			Attachments: []models.Attachment{{Name: "a.md", Content: "# A"}},
		},
		{Role: models.RoleAssistant, Content: "Done."},
	}, nil)
	require.NoError(t, err)

	require.Len(t, engine.turns, 3)
	assert.Equal(t, session.Turn{Role: "system", Content: "Be brief."}, engine.turns[0])
	assert.Equal(t, "user", engine.turns[1].Role)
	assert.Equal(t, "Summarize\n\n--- Attachment: a.md ---\n# A\n--- End of a.md ---", engine.turns[1].Content)
	assert.Equal(t, session.Turn{Role: "assistant", Content: "Done."}, engine.turns[2])
}

func TestGenerateNotReady(t *testing.T) {
	m := newManager(&mockLoader{err: errors.New("boom")}, session.Options{})

	_, err := m.Generate(context.Background(), nil, nil)
	require.ErrorIs(t, err, session.ErrNotReady)
	assert.Equal(t, models.StatusIdle, m.Status())

	require.Error(t, m.Initialize(context.Background()))
	_, err = m.Generate(context.Background(), nil, nil)
	require.ErrorIs(t, err, session.ErrNotReady)
	assert.Equal(t, models.StatusError, m.Status())
}

func TestGenerateFailureKeepsSessionReady(t *testing.T) {
	engine := &mockEngine{deltas: []string{"partial"}, err: errors.New("device lost")}
	m := readyManager(t, engine)

	text, err := m.Generate(context.Background(), nil, func(string) {})
	var genErr *session.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Contains(t, err.Error(), "device lost")
	assert.Equal(t, "partial", text)
	assert.Equal(t, models.StatusReady, m.Status())
}

func TestGenerateCancel(t *testing.T) {
	engine := &mockEngine{deltas: []string{"one ", "two ", "three"}}
	m := readyManager(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var chunks []string
	text, err := m.Generate(ctx, nil, func(s string) {
		chunks = append(chunks, s)
		cancel()
	})
	require.ErrorIs(t, err, session.ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "one ", text)
	assert.Equal(t, []string{"one "}, chunks)
	assert.Equal(t, models.StatusReady, m.Status())
}

func TestGenerateRejectsConcurrentCall(t *testing.T) {
	engine := &mockEngine{deltas: []string{"a"}, block: make(chan struct{})}
	m := readyManager(t, engine)

	done := make(chan error, 1)
	go func() {
		_, err := m.Generate(context.Background(), nil, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return m.Status() == models.StatusGenerating
	}, time.Second, time.Millisecond)

	_, err := m.Generate(context.Background(), nil, nil)
	require.ErrorIs(t, err, session.ErrNotReady)

	close(engine.block)
	require.NoError(t, <-done)
	assert.Equal(t, models.StatusReady, m.Status())
}
