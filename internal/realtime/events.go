package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownEvent is returned by Decode for an unrecognized type tag.
var ErrUnknownEvent = errors.New("unknown event type")

// EventType tags the variant carried in an Envelope.
type EventType string

const (
	TypeMutationApplied EventType = "mutation-applied"
	TypeResyncRequired  EventType = "resync-required"
	TypeSubscribe       EventType = "subscribe"
	TypeMutationNotice  EventType = "mutation-notice"
)

// Event is the closed set of push-channel messages. Only types in this
// package implement it.
type Event interface {
	Type() EventType
	isEvent()
}

// MutationApplied announces one committed mutation (server to client).
type MutationApplied struct {
	SequenceID      int64     `json:"sequenceId"`
	ChildKey        string    `json:"childKey"`
	Direction       string    `json:"direction"`
	Delta           int64     `json:"delta"`
	AppliedDelta    int64     `json:"appliedDelta"`
	NewTotal        int64     `json:"newTotal"`
	Clamped         bool      `json:"clamped"`
	Reason          string    `json:"reason"`
	ClientOpID      string    `json:"clientOpId,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
	OriginSessionID string    `json:"originSessionId,omitempty"`
}

// ResyncRequired asks the client to fetch a full snapshot (server to
// client). Sent on every new connection.
type ResyncRequired struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// Subscribe restricts pushes to the listed children (client to server).
// An empty list means every child.
type Subscribe struct {
	ChildKeys []string `json:"childKeys"`
}

// MutationNotice is a client's courtesy echo of a commit it made. The hub
// re-broadcasts the stored mutation it names, and only if that sequence
// was not already sent.
type MutationNotice struct {
	MutationApplied
}

func (MutationApplied) Type() EventType { return TypeMutationApplied }
func (ResyncRequired) Type() EventType  { return TypeResyncRequired }
func (Subscribe) Type() EventType       { return TypeSubscribe }
func (MutationNotice) Type() EventType  { return TypeMutationNotice }

func (MutationApplied) isEvent() {}
func (ResyncRequired) isEvent()  {}
func (Subscribe) isEvent()       {}
func (MutationNotice) isEvent()  {}

// Envelope is the wire form of every event.
type Envelope struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Encode wraps ev in an envelope stamped with ts.
func Encode(ev Event, ts time.Time) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{Type: ev.Type(), Timestamp: ts.UTC(), Data: data})
}

// Decode parses an envelope and its payload by type tag.
func Decode(raw []byte) (Event, time.Time, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode envelope: %w", err)
	}

	var ev Event
	var err error
	switch env.Type {
	case TypeMutationApplied:
		var v MutationApplied
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case TypeResyncRequired:
		var v ResyncRequired
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case TypeSubscribe:
		var v Subscribe
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case TypeMutationNotice:
		var v MutationNotice
		err = json.Unmarshal(env.Data, &v)
		ev = v
	default:
		return nil, time.Time{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, env.Timestamp, nil
}
