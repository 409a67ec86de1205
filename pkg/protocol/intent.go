package protocol

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// Intent is a client request to change or read session state. The set of
// implementations is closed.
type Intent interface {
	Kind() EventType
	isIntent()
}

// Join announces a viewer.
type Join struct {
	Viewer session.Viewer `json:"viewer"`
}

// Leave removes a viewer.
type Leave struct {
	ViewerID string `json:"viewerId"`
}

// Heartbeat refreshes viewer liveness.
type Heartbeat struct {
	ViewerID string `json:"viewerId"`
}

// Play starts playback, seeking first when Time is set.
type Play struct {
	Time *float64 `json:"time,omitempty"`
}

// Pause stops playback, seeking first when Time is set.
type Pause struct {
	Time *float64 `json:"time,omitempty"`
}

// Seek moves playback to Time seconds.
type Seek struct {
	Time float64 `json:"time"`
}

// AddMedia appends an item to the playlist.
type AddMedia struct {
	Item session.MediaItem `json:"item"`
}

// Advance selects the playlist entry at Index.
type Advance struct {
	Index int `json:"index"`
}

// RequestSync asks for full snapshots.
type RequestSync struct{}

// UpdateProgress records the elapsed time without broadcasting it.
type UpdateProgress struct {
	Time float64 `json:"time"`
}

func (Join) Kind() EventType           { return EventJoin }
func (Leave) Kind() EventType          { return EventLeave }
func (Heartbeat) Kind() EventType      { return EventHeartbeat }
func (Play) Kind() EventType           { return EventPlay }
func (Pause) Kind() EventType          { return EventPause }
func (Seek) Kind() EventType           { return EventSeek }
func (AddMedia) Kind() EventType       { return EventAddMedia }
func (Advance) Kind() EventType        { return EventAdvance }
func (RequestSync) Kind() EventType    { return EventRequestSync }
func (UpdateProgress) Kind() EventType { return EventUpdateProgress }

func (Join) isIntent()           {}
func (Leave) isIntent()          {}
func (Heartbeat) isIntent()      {}
func (Play) isIntent()           {}
func (Pause) isIntent()          {}
func (Seek) isIntent()           {}
func (AddMedia) isIntent()       {}
func (Advance) isIntent()        {}
func (RequestSync) isIntent()    {}
func (UpdateProgress) isIntent() {}

// Mutating reports whether the intent changes playback or playlist state
// and so requires an elevated role.
func Mutating(in Intent) bool {
	switch in.(type) {
	case Play, Pause, Seek, AddMedia, Advance, UpdateProgress:
		return true
	default:
		return false
	}
}

// ParseIntent decodes and validates the intent carried by env.
func ParseIntent(env Envelope) (Intent, error) {
	if strings.TrimSpace(env.SessionID) == "" {
		return nil, session.Invalid("sessionId", "required")
	}

	switch env.Event {
	case EventJoin:
		var in Join
		if err := decodeData(env.Data, &in); err != nil {
			return nil, err
		}
		if strings.TrimSpace(in.Viewer.ID) == "" {
			return nil, session.Invalid("viewer.id", "required")
		}
		return in, nil

	case EventLeave:
		var in Leave
		if err := decodeData(env.Data, &in); err != nil {
			return nil, err
		}
		return in, nil

	case EventHeartbeat:
		var in Heartbeat
		if err := decodeData(env.Data, &in); err != nil {
			return nil, err
		}
		return in, nil

	case EventPlay, EventPause:
		var raw struct {
			Time *float64 `json:"time"`
		}
		if err := decodeData(env.Data, &raw); err != nil {
			return nil, err
		}
		if raw.Time != nil {
			if err := validTime(*raw.Time); err != nil {
				return nil, err
			}
		}
		if env.Event == EventPlay {
			return Play{Time: raw.Time}, nil
		}
		return Pause{Time: raw.Time}, nil

	case EventSeek, EventUpdateProgress:
		var raw struct {
			Time *float64 `json:"time"`
		}
		if err := decodeData(env.Data, &raw); err != nil {
			return nil, err
		}
		if raw.Time == nil {
			return nil, session.Invalid("time", "required")
		}
		if err := validTime(*raw.Time); err != nil {
			return nil, err
		}
		if env.Event == EventSeek {
			return Seek{Time: *raw.Time}, nil
		}
		return UpdateProgress{Time: *raw.Time}, nil

	case EventAddMedia:
		var raw struct {
			Item *session.MediaItem `json:"item"`
		}
		if err := decodeData(env.Data, &raw); err != nil {
			return nil, err
		}
		if raw.Item == nil || strings.TrimSpace(raw.Item.URL) == "" {
			return nil, session.Invalid("item.url", "required")
		}
		return AddMedia{Item: *raw.Item}, nil

	case EventAdvance:
		var raw struct {
			Index *int `json:"index"`
		}
		if err := decodeData(env.Data, &raw); err != nil {
			return nil, err
		}
		if raw.Index == nil {
			return nil, session.Invalid("index", "required")
		}
		return Advance{Index: *raw.Index}, nil

	case EventRequestSync:
		return RequestSync{}, nil

	case "":
		return nil, session.Invalid("event", "required")

	default:
		return nil, session.Invalid("event", "unknown event "+string(env.Event))
	}
}

// EncodeIntent wraps an intent into an envelope for sessionID.
func EncodeIntent(sessionID string, in Intent) (Envelope, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{SessionID: sessionID, Event: in.Kind(), Data: data}, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return session.Invalid("data", err.Error())
	}
	return nil
}

func validTime(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return session.Invalid("time", "must be a non-negative number")
	}
	return nil
}
