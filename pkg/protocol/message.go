// Package protocol defines the watch session wire protocol: the envelope
// exchanged over both transports and the closed sets of intents and events.
package protocol

import (
	"encoding/json"
)

// EventType names a message on the wire.
type EventType string

const (
	EventJoin           EventType = "join"
	EventLeave          EventType = "leave"
	EventHeartbeat      EventType = "heartbeat"
	EventPlay           EventType = "play"
	EventPause          EventType = "pause"
	EventSeek           EventType = "seek"
	EventAdvance        EventType = "advance"
	EventAddMedia       EventType = "addMedia"
	EventRequestSync    EventType = "requestSync"
	EventUpdateProgress EventType = "updateProgress"
	EventSync           EventType = "sync"
	EventSyncPresence   EventType = "syncPresence"
	EventError          EventType = "error"
)

// String returns the wire name.
func (t EventType) String() string {
	return string(t)
}

// Envelope is the frame carried by the push transport and the body of
// POST /session-event.
type Envelope struct {
	SessionID string          `json:"sessionId" msgpack:"sid"`
	Event     EventType       `json:"event" msgpack:"ev"`
	Data      json.RawMessage `json:"data,omitempty" msgpack:"d"`
}

// Class groups events by how subscribers reconcile them.
type Class uint8

const (
	// ClassDelta is a single idempotent playback or playlist change.
	ClassDelta Class = iota
	// ClassSnapshot replaces local state wholesale.
	ClassSnapshot
	// ClassPresence is a viewer join or leave notice.
	ClassPresence
	// ClassControl carries errors addressed to one subscriber.
	ClassControl
)

// String returns a string representation of the class.
func (c Class) String() string {
	switch c {
	case ClassDelta:
		return "delta"
	case ClassSnapshot:
		return "snapshot"
	case ClassPresence:
		return "presence"
	case ClassControl:
		return "control"
	default:
		return "unknown"
	}
}

// ClassOf returns the class of a server-to-client event type.
func ClassOf(t EventType) Class {
	switch t {
	case EventSync, EventSyncPresence:
		return ClassSnapshot
	case EventJoin, EventLeave:
		return ClassPresence
	case EventError:
		return ClassControl
	default:
		return ClassDelta
	}
}

// Global reports whether events of this type are also delivered to every
// connected subscriber, not only the session group.
func Global(t EventType) bool {
	return t == EventAddMedia || t == EventSync
}
