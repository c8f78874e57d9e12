// Package provider defines the boundary to the external generation source.
//
// The source's native event vocabulary is translated here, and only here,
// into the stable vocabulary the client contract exposes. A new native kind
// shows up as an untranslatable event at this boundary; it never changes
// what clients see.
package provider

import (
	"context"

	"github.com/meterline/turnstile/internal/services/turns/domain"
)

// Request describes one generation call.
type Request struct {
	TurnID          string
	ConversationID  string
	Model           string
	Content         string
	MaxOutputTokens int64
}

// SourceEventKind is the generation backend's native event vocabulary.
type SourceEventKind string

const (
	SourceContentDelta SourceEventKind = "content_delta"
	SourceMessageStop  SourceEventKind = "message_stop"
	SourcePing         SourceEventKind = "ping"
	SourceError        SourceEventKind = "error"
)

// EventKind is the stable vocabulary delivered to client sinks.
type EventKind string

const (
	// EventContent carries one unit of generated output.
	EventContent EventKind = "content"
	// EventHeartbeat is content-free keepalive. Downstream ordering and
	// accounting logic must ignore it.
	EventHeartbeat EventKind = "heartbeat"
	// EventDone is the successful terminal event, carrying usage.
	EventDone EventKind = "done"
	// EventError is the failed terminal event, possibly with partial usage.
	EventError EventKind = "error"
)

// Terminal reports whether the kind closes the stream.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventError
}

// translation is the closed mapping from native kinds to client kinds.
// Kinds absent here are dropped at the boundary.
var translation = map[SourceEventKind]EventKind{
	SourceContentDelta: EventContent,
	SourceMessageStop:  EventDone,
	SourcePing:         EventHeartbeat,
	SourceError:        EventError,
}

// Translate maps a native event kind to its client kind. The second return
// is false for kinds the table does not carry.
func Translate(kind SourceEventKind) (EventKind, bool) {
	mapped, ok := translation[kind]
	return mapped, ok
}

// SourceEvent is one unit received from the generation backend.
type SourceEvent struct {
	Kind    SourceEventKind
	Content string
	Usage   *domain.Usage
	Err     error
}

// Event is one unit in the client contract's vocabulary.
type Event struct {
	Kind    EventKind
	Content string
	Usage   *domain.Usage
	Err     error
}

// Translate converts the source event, returning false when its kind is
// outside the table.
func (e SourceEvent) Translate() (Event, bool) {
	kind, ok := Translate(e.Kind)
	if !ok {
		return Event{}, false
	}
	return Event{Kind: kind, Content: e.Content, Usage: e.Usage, Err: e.Err}, true
}

// Stream is one live generation call. Close severs the upstream connection
// immediately; it never waits for a natural stop.
type Stream interface {
	Recv(ctx context.Context) (SourceEvent, error)
	Close() error
}

// Source opens generation streams.
type Source interface {
	Open(ctx context.Context, req Request) (Stream, error)
}
