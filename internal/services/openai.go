package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"

	"github.com/MegaGrindStone/localchat/internal/session"
	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAI loads models served by a local OpenAI-compatible server, such as llama.cpp's server or
// LM Studio. The server owns the model weights; loading only checks that the model is being served.
type OpenAI struct {
	baseURL string

	client *goopenai.Client
	logger *zap.Logger
}

// OpenAIEngine streams chat completions from an OpenAI-compatible server.
type OpenAIEngine struct {
	model string

	client *goopenai.Client
	logger *zap.Logger
}

// NewOpenAI creates a loader for the OpenAI-compatible server at baseURL, which should include the API
// version path, e.g. http://localhost:8080/v1. Local servers usually accept any apiKey.
func NewOpenAI(baseURL, apiKey string, logger *zap.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL

	return OpenAI{
		baseURL: baseURL,
		client:  goopenai.NewClientWithConfig(cfg),
		logger:  logger.With(zap.String("module", "openai")),
	}
}

// Load implements session.Loader.
func (o OpenAI) Load(ctx context.Context, model string, onProgress func(session.Progress)) (session.Engine, error) {
	onProgress(session.Progress{Text: fmt.Sprintf("Connecting to %s", o.baseURL)})

	list, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", err)
	}

	if !slices.ContainsFunc(list.Models, func(m goopenai.Model) bool { return m.ID == model }) {
		return nil, fmt.Errorf("model %s is not served by %s", model, o.baseURL)
	}
	onProgress(session.Progress{Fraction: 1, Text: "Model available"})

	return OpenAIEngine{
		model:  model,
		client: o.client,
		logger: o.logger.With(zap.String("model", model)),
	}, nil
}

// StreamCompletion implements session.Engine.
func (e OpenAIEngine) StreamCompletion(ctx context.Context, turns []session.Turn, params session.Params) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]goopenai.ChatCompletionMessage, len(turns))
		for i, t := range turns {
			msgs[i] = goopenai.ChatCompletionMessage{
				Role:    t.Role,
				Content: t.Content,
			}
		}

		req := goopenai.ChatCompletionRequest{
			Model:       e.model,
			Messages:    msgs,
			Temperature: float32(params.Temperature),
			MaxTokens:   params.MaxTokens,
			Stream:      true,
		}

		stream, err := e.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", fmt.Errorf("error creating chat completion stream: %w", err))
			return
		}
		defer stream.Close()

		for {
			res, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("error receiving chat completion: %w", err))
				return
			}
			if len(res.Choices) == 0 {
				continue
			}
			if !yield(res.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

// ResetContext implements session.Engine. The server receives the whole transcript with each request
// and keeps nothing in between.
func (e OpenAIEngine) ResetContext(context.Context) error {
	return nil
}

// Dispose implements session.Engine. The model stays loaded in the server process, which this client
// does not own.
func (e OpenAIEngine) Dispose(context.Context) error {
	e.logger.Debug("Releasing engine")
	return nil
}
