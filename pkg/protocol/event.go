package protocol

import (
	"encoding/json"

	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// Event is a server-to-client notification. Every event carries the id of
// the session it belongs to so subscribers can discard mismatches.
type Event interface {
	EventType() EventType
	Session() string
	isEvent()
}

// Header is embedded in every event payload.
type Header struct {
	SessionID string `json:"sessionId"`
}

// Session returns the session id the event belongs to.
func (h Header) Session() string { return h.SessionID }

func (Header) isEvent() {}

// PlayEvent reports playback started.
type PlayEvent struct {
	Header
	Time *float64 `json:"time,omitempty"`
}

// PauseEvent reports playback stopped.
type PauseEvent struct {
	Header
	Time *float64 `json:"time,omitempty"`
}

// SeekEvent reports a new playback position.
type SeekEvent struct {
	Header
	Time float64 `json:"time"`
}

// AdvanceEvent reports a new current item. Progress is reset to zero.
type AdvanceEvent struct {
	Header
	Index int `json:"index"`
}

// AddMediaEvent reports an item appended to the playlist.
type AddMediaEvent struct {
	Header
	Item session.MediaItem `json:"item"`
}

// JoinEvent reports a viewer joining.
type JoinEvent struct {
	Header
	Viewer session.Viewer `json:"viewer"`
}

// LeaveEvent reports a viewer leaving.
type LeaveEvent struct {
	Header
	ViewerID string `json:"viewerId"`
}

// SyncEvent is the full playback snapshot.
type SyncEvent struct {
	Header
	Playlist     []session.MediaItem `json:"playlist"`
	CurrentIndex int                 `json:"currentIndex"`
	IsPlaying    bool                `json:"isPlaying"`
	Progress     float64             `json:"progress"`
}

// SyncPresenceEvent is the full viewer snapshot.
type SyncPresenceEvent struct {
	Header
	Viewers []session.Viewer `json:"viewers"`
}

// ErrorEvent answers a rejected intent. It is sent only to the issuer.
type ErrorEvent struct {
	Header
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Intent  EventType `json:"intent,omitempty"`
}

func (PlayEvent) EventType() EventType         { return EventPlay }
func (PauseEvent) EventType() EventType        { return EventPause }
func (SeekEvent) EventType() EventType         { return EventSeek }
func (AdvanceEvent) EventType() EventType      { return EventAdvance }
func (AddMediaEvent) EventType() EventType     { return EventAddMedia }
func (JoinEvent) EventType() EventType         { return EventJoin }
func (LeaveEvent) EventType() EventType        { return EventLeave }
func (SyncEvent) EventType() EventType         { return EventSync }
func (SyncPresenceEvent) EventType() EventType { return EventSyncPresence }
func (ErrorEvent) EventType() EventType        { return EventError }

// NewSync builds a playback snapshot event from a session.
func NewSync(s *session.Session) SyncEvent {
	snap := s.Snapshot()
	return SyncEvent{
		Header:       Header{SessionID: snap.SessionID},
		Playlist:     snap.Playlist,
		CurrentIndex: snap.CurrentIndex,
		IsPlaying:    snap.IsPlaying,
		Progress:     snap.Progress,
	}
}

// NewSyncPresence builds a viewer snapshot event from a session.
func NewSyncPresence(s *session.Session) SyncPresenceEvent {
	return SyncPresenceEvent{
		Header:  Header{SessionID: s.ID},
		Viewers: s.ViewerList(),
	}
}

// EncodeEvent serializes an event into an envelope.
func EncodeEvent(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{SessionID: ev.Session(), Event: ev.EventType(), Data: data}, nil
}

// DecodeEvent parses an envelope into its typed event.
func DecodeEvent(env Envelope) (Event, error) {
	var ev Event
	switch env.Event {
	case EventPlay:
		ev = &PlayEvent{}
	case EventPause:
		ev = &PauseEvent{}
	case EventSeek:
		ev = &SeekEvent{}
	case EventAdvance:
		ev = &AdvanceEvent{}
	case EventAddMedia:
		ev = &AddMediaEvent{}
	case EventJoin:
		ev = &JoinEvent{}
	case EventLeave:
		ev = &LeaveEvent{}
	case EventSync:
		ev = &SyncEvent{}
	case EventSyncPresence:
		ev = &SyncPresenceEvent{}
	case EventError:
		ev = &ErrorEvent{}
	default:
		return nil, ErrUnknownEvent
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, ErrInvalidMessage
		}
	}
	return deref(ev, env.SessionID), nil
}

// deref returns the event by value, filling the session id from the
// envelope when the payload omitted it.
func deref(ev Event, sessionID string) Event {
	fill := func(h *Header) {
		if h.SessionID == "" {
			h.SessionID = sessionID
		}
	}
	switch e := ev.(type) {
	case *PlayEvent:
		fill(&e.Header)
		return *e
	case *PauseEvent:
		fill(&e.Header)
		return *e
	case *SeekEvent:
		fill(&e.Header)
		return *e
	case *AdvanceEvent:
		fill(&e.Header)
		return *e
	case *AddMediaEvent:
		fill(&e.Header)
		return *e
	case *JoinEvent:
		fill(&e.Header)
		return *e
	case *LeaveEvent:
		fill(&e.Header)
		return *e
	case *SyncEvent:
		fill(&e.Header)
		return *e
	case *SyncPresenceEvent:
		fill(&e.Header)
		return *e
	case *ErrorEvent:
		fill(&e.Header)
		return *e
	}
	return ev
}
