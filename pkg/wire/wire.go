// Package wire defines the command/event protocol spoken between a modelhost
// client and the engine daemon. The protocol is a thin JSON envelope with
// typed payloads; it is the stable boundary between the two processes and
// must not leak engine internals.
package wire

import (
	"encoding/json"
	"fmt"
)

// CommandType identifies a client-to-engine command.
type CommandType string

const (
	CmdInit        CommandType = "init"
	CmdGenerate    CommandType = "generate"
	CmdCancel      CommandType = "cancel"
	CmdSetLogLevel CommandType = "set_log_level"
)

// EventType identifies an engine-to-client event.
type EventType string

const (
	EvtReady    EventType = "ready"
	EvtFragment EventType = "fragment"
	EvtDone     EventType = "done"
	EvtError    EventType = "error"
)

// GenConfig is the fully resolved set of generation parameters sent with a
// generate command. Every field is concrete; the client never sends a config
// with absent fields.
type GenConfig struct {
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	MaxTokens        int     `json:"max_tokens"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
}

// InitCommand is the first command on a fresh connection. Verbosity carries
// the client's current diagnostic level so the engine starts out aligned.
type InitCommand struct {
	Verbosity string `json:"verbosity"`
}

// GenerateCommand starts one generation session.
type GenerateCommand struct {
	ID     string    `json:"id"`
	Prompt string    `json:"prompt"`
	Config GenConfig `json:"config"`
}

// CancelCommand requests best-effort cancellation of a running session.
type CancelCommand struct {
	ID string `json:"id"`
}

// SetLogLevelCommand changes the engine's diagnostic verbosity.
type SetLogLevelCommand struct {
	Level string `json:"level"`
}

// Command is the envelope for client-to-engine messages. Exactly one payload
// field matching Type is set.
type Command struct {
	Type        CommandType         `json:"type"`
	Init        *InitCommand        `json:"init,omitempty"`
	Generate    *GenerateCommand    `json:"generate,omitempty"`
	Cancel      *CancelCommand      `json:"cancel,omitempty"`
	SetLogLevel *SetLogLevelCommand `json:"set_log_level,omitempty"`
}

// NewInit builds an init command.
func NewInit(verbosity string) Command {
	return Command{Type: CmdInit, Init: &InitCommand{Verbosity: verbosity}}
}

// NewGenerate builds a generate command.
func NewGenerate(id, prompt string, cfg GenConfig) Command {
	return Command{Type: CmdGenerate, Generate: &GenerateCommand{ID: id, Prompt: prompt, Config: cfg}}
}

// NewCancel builds a cancel command.
func NewCancel(id string) Command {
	return Command{Type: CmdCancel, Cancel: &CancelCommand{ID: id}}
}

// NewSetLogLevel builds a set_log_level command.
func NewSetLogLevel(level string) Command {
	return Command{Type: CmdSetLogLevel, SetLogLevel: &SetLogLevelCommand{Level: level}}
}

// Validate checks that the payload matching Type is present.
func (c Command) Validate() error {
	switch c.Type {
	case CmdInit:
		if c.Init == nil {
			return fmt.Errorf("wire: init command without payload")
		}
	case CmdGenerate:
		if c.Generate == nil {
			return fmt.Errorf("wire: generate command without payload")
		}
		if c.Generate.ID == "" {
			return fmt.Errorf("wire: generate command without session id")
		}
	case CmdCancel:
		if c.Cancel == nil || c.Cancel.ID == "" {
			return fmt.Errorf("wire: cancel command without session id")
		}
	case CmdSetLogLevel:
		if c.SetLogLevel == nil {
			return fmt.Errorf("wire: set_log_level command without payload")
		}
	default:
		return fmt.Errorf("wire: unknown command type %q", c.Type)
	}
	return nil
}

// FragmentEvent carries one incremental unit of generated output.
type FragmentEvent struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// DoneEvent signals normal end of generation for a session.
type DoneEvent struct {
	ID string `json:"id"`
}

// ErrorEvent signals a mid-stream engine failure for a session.
type ErrorEvent struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Event is the envelope for engine-to-client messages. Exactly one payload
// field matching Type is set; ready has no payload.
type Event struct {
	Type     EventType      `json:"type"`
	Fragment *FragmentEvent `json:"fragment,omitempty"`
	Done     *DoneEvent     `json:"done,omitempty"`
	Error    *ErrorEvent    `json:"error,omitempty"`
}

// NewReady builds a ready event.
func NewReady() Event {
	return Event{Type: EvtReady}
}

// NewFragment builds a fragment event.
func NewFragment(id, text string) Event {
	return Event{Type: EvtFragment, Fragment: &FragmentEvent{ID: id, Text: text}}
}

// NewDone builds a done event.
func NewDone(id string) Event {
	return Event{Type: EvtDone, Done: &DoneEvent{ID: id}}
}

// NewError builds an error event.
func NewError(id, reason string) Event {
	return Event{Type: EvtError, Error: &ErrorEvent{ID: id, Reason: reason}}
}

// SessionID returns the session the event belongs to, or "" for
// connection-level events such as ready.
func (e Event) SessionID() string {
	switch e.Type {
	case EvtFragment:
		if e.Fragment != nil {
			return e.Fragment.ID
		}
	case EvtDone:
		if e.Done != nil {
			return e.Done.ID
		}
	case EvtError:
		if e.Error != nil {
			return e.Error.ID
		}
	}
	return ""
}

// Validate checks that the payload matching Type is present.
func (e Event) Validate() error {
	switch e.Type {
	case EvtReady:
	case EvtFragment:
		if e.Fragment == nil || e.Fragment.ID == "" {
			return fmt.Errorf("wire: fragment event without session id")
		}
	case EvtDone:
		if e.Done == nil || e.Done.ID == "" {
			return fmt.Errorf("wire: done event without session id")
		}
	case EvtError:
		if e.Error == nil || e.Error.ID == "" {
			return fmt.Errorf("wire: error event without session id")
		}
	default:
		return fmt.Errorf("wire: unknown event type %q", e.Type)
	}
	return nil
}

// EncodeCommand marshals a command after validating it.
func EncodeCommand(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// DecodeCommand unmarshals and validates a command.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("wire: decode command: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// EncodeEvent marshals an event after validating it.
func EncodeEvent(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEvent unmarshals and validates an event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("wire: decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
