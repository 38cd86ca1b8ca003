package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avreli/modelhost/pkg/wire"
)

func TestPipe_CommandFlow(t *testing.T) {
	client, eng := Pipe()
	defer client.Close()

	err := client.Send(context.Background(), wire.NewInit("info"))
	require.NoError(t, err)

	cmd := <-eng.Commands()
	assert.Equal(t, wire.CmdInit, cmd.Type)
	assert.Equal(t, "info", cmd.Init.Verbosity)
}

func TestPipe_EventOrder(t *testing.T) {
	client, eng := Pipe()
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, eng.Emit(ctx, wire.NewFragment("s1", "a")))
	require.NoError(t, eng.Emit(ctx, wire.NewFragment("s1", "b")))
	require.NoError(t, eng.Emit(ctx, wire.NewFragment("s1", "c")))

	var got string
	for i := 0; i < 3; i++ {
		evt := <-client.Events()
		got += evt.Fragment.Text
	}
	assert.Equal(t, "abc", got)
}

func TestPipe_SendAfterClose(t *testing.T) {
	client, eng := Pipe()
	require.NoError(t, client.Close())

	err := client.Send(context.Background(), wire.NewInit("info"))
	assert.ErrorIs(t, err, ErrClosed)

	err = eng.Emit(context.Background(), wire.NewReady())
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent from either end.
	assert.NoError(t, eng.Close())
}

func TestPipe_CloseSignalsEventChannel(t *testing.T) {
	client, _ := Pipe()
	require.NoError(t, client.Close())

	_, open := <-client.Events()
	assert.False(t, open)
}

func TestPipe_RejectsInvalidMessages(t *testing.T) {
	client, eng := Pipe()
	defer client.Close()

	err := client.Send(context.Background(), wire.Command{Type: wire.CmdGenerate})
	assert.Error(t, err)

	err = eng.Emit(context.Background(), wire.Event{Type: wire.EvtFragment})
	assert.Error(t, err)
}
