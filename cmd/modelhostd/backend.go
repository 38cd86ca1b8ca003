package main

import (
	"context"
	"strings"
	"time"

	"github.com/avreli/modelhost/pkg/wire"
)

// Backend produces generation output for the daemon. Implementations stream
// fragments through emit and return nil on normal completion; returning
// ctx.Err() after cancellation is expected and not reported to the client.
type Backend interface {
	Generate(ctx context.Context, req wire.GenerateCommand, emit func(text string) error) error
}

// echoBackend streams the prompt back word by word. It exists so the daemon
// can be run and exercised without a model host behind it.
type echoBackend struct {
	// delay between fragments, so cancellation has a window in tests and
	// manual runs.
	delay time.Duration
}

func (b *echoBackend) Generate(ctx context.Context, req wire.GenerateCommand, emit func(text string) error) error {
	words := strings.Fields(req.Prompt)
	if max := req.Config.MaxTokens; max > 0 && len(words) > max {
		words = words[:max]
	}

	for i, w := range words {
		if b.delay > 0 {
			select {
			case <-time.After(b.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		text := w
		if i < len(words)-1 {
			text += " "
		}
		if err := emit(text); err != nil {
			return err
		}
	}
	return nil
}
