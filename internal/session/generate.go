package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/localchat/internal/models"
	"go.uber.org/zap"
)

// Generate streams one assistant response for history, which must be in conversation order. After
// every delta onChunk receives the complete text accumulated so far, never the delta alone, so the
// latest call is always the source of truth.
//
// The session must be ready, otherwise ErrNotReady is returned and nothing changes. While the call runs
// the status is generating, which also rejects concurrent calls. The status is ready again once
// Generate returns, whether it succeeded or not.
//
// The context is checked between chunks. If it is canceled, Generate stops the stream and returns the
// partial text with an error matching ErrCanceled.
func (m *Manager) Generate(ctx context.Context, history []models.Message, onChunk func(string)) (string, error) {
	m.mu.Lock()
	if m.engine == nil || m.status != models.StatusReady {
		m.mu.Unlock()
		return "", ErrNotReady
	}
	engine := m.engine
	epoch := m.epoch
	m.mu.Unlock()

	if !m.setStatus(epoch, models.StatusReady, models.StatusGenerating) {
		return "", ErrNotReady
	}
	defer m.setStatus(epoch, models.StatusGenerating, models.StatusReady)

	text, err := m.stream(ctx, engine, m.turns(history), onChunk)
	if err != nil {
		m.logger.Warn("Generation stopped", zap.Int("chars", len(text)), zap.Error(err))
		return text, err
	}
	m.logger.Debug("Generation finished", zap.Int("chars", len(text)))
	return text, nil
}

func (m *Manager) stream(ctx context.Context, engine Engine, turns []Turn, onChunk func(string)) (string, error) {
	var sb strings.Builder
	for delta, err := range engine.StreamCompletion(ctx, turns, m.opts.Params) {
		if ctx.Err() != nil {
			return sb.String(), fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		if err != nil {
			return sb.String(), &GenerationError{Err: err}
		}
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onChunk != nil {
			onChunk(sb.String())
		}
	}
	// Some engines end the sequence quietly when their request is canceled.
	if ctx.Err() != nil {
		return sb.String(), fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
	return sb.String(), nil
}

// turns translates history into engine turns. Attachments are inlined into the content of the message
// that owns them.
func (m *Manager) turns(history []models.Message) []Turn {
	turns := make([]Turn, 0, len(history)+1)
	if m.opts.SystemPrompt != "" {
		turns = append(turns, Turn{Role: "system", Content: m.opts.SystemPrompt})
	}
	for _, msg := range history {
		turns = append(turns, Turn{
			Role:    string(msg.Role),
			Content: msg.RenderContent(),
		})
	}
	return turns
}
