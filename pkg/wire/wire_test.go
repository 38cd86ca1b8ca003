package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_RoundTrip(t *testing.T) {
	cfg := GenConfig{
		Model:       "llama3.2",
		Temperature: 0.7,
		TopP:        0.9,
		MaxTokens:   2048,
	}

	data, err := EncodeCommand(NewGenerate("s1", "hello", cfg))
	require.NoError(t, err)

	got, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, CmdGenerate, got.Type)
	require.NotNil(t, got.Generate)
	assert.Equal(t, "s1", got.Generate.ID)
	assert.Equal(t, "hello", got.Generate.Prompt)
	assert.Equal(t, cfg, got.Generate.Config)
}

func TestCommand_Validate(t *testing.T) {
	assert.Error(t, Command{Type: CmdGenerate}.Validate())
	assert.Error(t, Command{Type: CmdCancel, Cancel: &CancelCommand{}}.Validate())
	assert.Error(t, Command{Type: "bogus"}.Validate())
	assert.NoError(t, NewInit("debug").Validate())
	assert.NoError(t, NewSetLogLevel("warn").Validate())
}

func TestEvent_RoundTrip(t *testing.T) {
	data, err := EncodeEvent(NewFragment("s1", "chunk"))
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EvtFragment, got.Type)
	assert.Equal(t, "s1", got.SessionID())
	assert.Equal(t, "chunk", got.Fragment.Text)
}

func TestEvent_SessionID(t *testing.T) {
	assert.Equal(t, "", NewReady().SessionID())
	assert.Equal(t, "a", NewDone("a").SessionID())
	assert.Equal(t, "b", NewError("b", "boom").SessionID())
}

func TestDecodeEvent_Invalid(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"fragment"}`))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}
