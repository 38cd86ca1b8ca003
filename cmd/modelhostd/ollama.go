package main

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"github.com/avreli/modelhost/pkg/wire"
)

// ollamaBackend hosts generation on a local Ollama server. Sampling
// parameters map onto Ollama's option names; max_tokens becomes num_predict.
type ollamaBackend struct {
	client *api.Client
}

func newOllamaBackend() (*ollamaBackend, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	return &ollamaBackend{client: client}, nil
}

func (b *ollamaBackend) Generate(ctx context.Context, req wire.GenerateCommand, emit func(text string) error) error {
	stream := true
	oreq := &api.GenerateRequest{
		Model:  req.Config.Model,
		Prompt: req.Prompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature":       req.Config.Temperature,
			"top_p":             req.Config.TopP,
			"num_predict":       req.Config.MaxTokens,
			"presence_penalty":  req.Config.PresencePenalty,
			"frequency_penalty": req.Config.FrequencyPenalty,
		},
	}

	return b.client.Generate(ctx, oreq, func(resp api.GenerateResponse) error {
		if resp.Response == "" {
			return nil
		}
		return emit(resp.Response)
	})
}
