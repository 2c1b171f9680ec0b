package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"time"

	"github.com/MegaGrindStone/localchat/internal/session"
	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// Ollama loads models into a local Ollama daemon. Models missing from the daemon are pulled first, with
// the pull reported as load progress, and then loaded into memory so the first generation doesn't pay
// the load cost.
type Ollama struct {
	host      string
	keepAlive time.Duration

	client *api.Client
	logger *zap.Logger
}

// OllamaEngine is a model loaded into the Ollama daemon. The daemon keeps no conversation state between
// requests; the full transcript is sent with every completion.
type OllamaEngine struct {
	model     string
	keepAlive time.Duration

	client *api.Client
	logger *zap.Logger
}

// NewOllama creates an Ollama loader for the daemon at host. keepAlive controls how long the daemon
// keeps the model in memory after a request; a negative value keeps it until the engine is disposed.
func NewOllama(host string, keepAlive time.Duration, logger *zap.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:      host,
		keepAlive: keepAlive,
		client:    api.NewClient(u, &http.Client{}),
		logger:    logger.With(zap.String("module", "ollama")),
	}, nil
}

// Load implements session.Loader.
func (o Ollama) Load(ctx context.Context, model string, onProgress func(session.Progress)) (session.Engine, error) {
	onProgress(session.Progress{Text: fmt.Sprintf("Connecting to %s", o.host)})

	if _, err := o.client.Show(ctx, &api.ShowRequest{Model: model}); err != nil {
		var statusErr api.StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
			return nil, fmt.Errorf("error querying model: %w", err)
		}

		o.logger.Info("Model not found locally, pulling", zap.String("model", model))
		if err := o.pull(ctx, model, onProgress); err != nil {
			return nil, err
		}
	}

	onProgress(session.Progress{Fraction: 1, Text: "Loading model into memory"})

	// A chat request without messages only loads the model.
	f := false
	req := api.ChatRequest{
		Model:     model,
		Stream:    &f,
		KeepAlive: &api.Duration{Duration: o.keepAlive},
	}
	if err := o.client.Chat(ctx, &req, func(api.ChatResponse) error { return nil }); err != nil {
		return nil, fmt.Errorf("error loading model: %w", err)
	}

	return OllamaEngine{
		model:     model,
		keepAlive: o.keepAlive,
		client:    o.client,
		logger:    o.logger.With(zap.String("model", model)),
	}, nil
}

func (o Ollama) pull(ctx context.Context, model string, onProgress func(session.Progress)) error {
	req := api.PullRequest{Model: model}
	err := o.client.Pull(ctx, &req, func(res api.ProgressResponse) error {
		p := session.Progress{Text: res.Status}
		if res.Total > 0 {
			p.Fraction = float64(res.Completed) / float64(res.Total)
		}
		onProgress(p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("error pulling model: %w", err)
	}
	return nil
}

// StreamCompletion implements session.Engine. The returned iterator yields the text delta of every
// streamed response and stops the request when the consumer stops iterating.
func (e OllamaEngine) StreamCompletion(ctx context.Context, turns []session.Turn, params session.Params) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]api.Message, len(turns))
		for i, t := range turns {
			msgs[i] = api.Message{
				Role:    t.Role,
				Content: t.Content,
			}
		}

		t := true
		req := api.ChatRequest{
			Model:     e.model,
			Messages:  msgs,
			Stream:    &t,
			KeepAlive: &api.Duration{Duration: e.keepAlive},
			Options: map[string]any{
				"temperature": params.Temperature,
				"num_predict": params.MaxTokens,
			},
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := e.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			// The consumer is gone once it stops iterating, the error is only the canceled request.
			if stopped {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}

// ResetContext implements session.Engine. The daemon is stateless between requests, so there is
// nothing to clear.
func (e OllamaEngine) ResetContext(context.Context) error {
	e.logger.Debug("Reset requested, ollama keeps no per-session context")
	return nil
}

// Dispose implements session.Engine by asking the daemon to unload the model right away.
func (e OllamaEngine) Dispose(ctx context.Context) error {
	f := false
	req := api.ChatRequest{
		Model:     e.model,
		Stream:    &f,
		KeepAlive: &api.Duration{Duration: 0},
	}
	if err := e.client.Chat(ctx, &req, func(api.ChatResponse) error { return nil }); err != nil {
		return fmt.Errorf("error unloading model: %w", err)
	}
	return nil
}
