package broadcast

import (
	"time"

	"github.com/roach88/automata/internal/engine"
	"github.com/roach88/automata/internal/ir"
)

// MessageType names a pushed message.
type MessageType string

const (
	TypeSubscribed   MessageType = "subscribed"
	TypeState        MessageType = "state"
	TypeUnsubscribed MessageType = "unsubscribed"
	TypeError        MessageType = "error"
)

// Message is pushed to a connection. Which fields are set depends on Type:
//
//	subscribed    AutomataID, State, Version, Timestamp
//	state         AutomataID, Event, State, Version, Timestamp
//	unsubscribed  AutomataID
//	error         Code, Message
type Message struct {
	Type       MessageType `json:"type"`
	AutomataID string      `json:"automataId,omitempty"`
	Event      *ir.Event   `json:"event,omitempty"`
	State      ir.Value    `json:"state,omitempty"`
	Version    string      `json:"version,omitempty"`
	Timestamp  time.Time   `json:"timestamp,omitzero"`
	Code       engine.Code `json:"code,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// SubscribedMessage is the baseline sent right after a subscription.
func SubscribedMessage(a ir.Automata) Message {
	return Message{
		Type:       TypeSubscribed,
		AutomataID: a.ID,
		State:      a.CurrentState,
		Version:    a.Version,
		Timestamp:  a.UpdatedAt,
	}
}

// StateMessage reports a committed event and the state it produced.
func StateMessage(automataID string, ev ir.Event, state ir.Value, version string) Message {
	return Message{
		Type:       TypeState,
		AutomataID: automataID,
		Event:      &ev,
		State:      state,
		Version:    version,
		Timestamp:  ev.Timestamp,
	}
}

// ErrorMessage reports a failed request on a connection.
func ErrorMessage(err error) Message {
	msg := Message{Type: TypeError, Code: engine.CodeOf(err), Message: "internal error"}
	if ee, ok := asEngineError(err); ok {
		msg.Message = ee.Message
	}
	return msg
}
