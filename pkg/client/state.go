// Package client implements the viewer side of a shared session: it keeps
// a local copy of the room, reconciles server events into it and sends
// intents over the push connection or the HTTP fallback.
package client

import (
	"strings"

	"github.com/gabrielmiguelok/watchsync/pkg/playlist"
	"github.com/gabrielmiguelok/watchsync/pkg/protocol"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// LocalState is the client's view of a session.
type LocalState struct {
	SessionID    string              `json:"sessionId" msgpack:"sid"`
	Playlist     []session.MediaItem `json:"playlist" msgpack:"pl"`
	CurrentIndex int                 `json:"currentIndex" msgpack:"ci"`
	IsPlaying    bool                `json:"isPlaying" msgpack:"p"`
	Progress     float64             `json:"progress" msgpack:"pr"`
	Viewers      []session.Viewer    `json:"viewers" msgpack:"v"`
}

// Clone returns a deep copy.
func (s LocalState) Clone() LocalState {
	out := s
	out.Playlist = append([]session.MediaItem(nil), s.Playlist...)
	out.Viewers = append([]session.Viewer(nil), s.Viewers...)
	return out
}

// Current returns the item at CurrentIndex.
func (s LocalState) Current() (session.MediaItem, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Playlist) {
		return session.MediaItem{}, false
	}
	return s.Playlist[s.CurrentIndex], true
}

// Viewer returns the viewer with id.
func (s LocalState) Viewer(id string) (session.Viewer, bool) {
	for _, v := range s.Viewers {
		if v.ID == id {
			return v, true
		}
	}
	return session.Viewer{}, false
}

// FromSnapshot builds a LocalState from a snapshot response.
func FromSnapshot(snap session.Snapshot) LocalState {
	s, _ := Reconcile(LocalState{SessionID: snap.SessionID}, protocol.SyncEvent{
		Header:       protocol.Header{SessionID: snap.SessionID},
		Playlist:     snap.Playlist,
		CurrentIndex: snap.CurrentIndex,
		IsPlaying:    snap.IsPlaying,
		Progress:     snap.Progress,
	})
	s.Viewers = append([]session.Viewer(nil), snap.Viewers...)
	return s
}

// Reconcile folds ev into s and reports whether anything changed. s is
// not modified. Events for another session are ignored.
func Reconcile(s LocalState, ev protocol.Event) (LocalState, bool) {
	if ev == nil || ev.Session() != s.SessionID {
		return s, false
	}
	next := s.Clone()

	switch e := ev.(type) {
	case protocol.SyncEvent:
		next.Playlist = next.Playlist[:0]
		// Dropped entries ahead of the current one shift it down.
		dropped := 0
		for i, item := range e.Playlist {
			if strings.TrimSpace(item.URL) == "" {
				if i < e.CurrentIndex {
					dropped++
				}
				continue
			}
			next.Playlist = append(next.Playlist, item)
		}
		next.CurrentIndex = clamp(e.CurrentIndex-dropped, len(next.Playlist))
		next.IsPlaying = e.IsPlaying
		next.Progress = e.Progress
		return next, true

	case protocol.SyncPresenceEvent:
		next.Viewers = append(next.Viewers[:0], e.Viewers...)
		return next, true

	case protocol.PlayEvent:
		next.IsPlaying = true
		if e.Time != nil {
			next.Progress = *e.Time
		}

	case protocol.PauseEvent:
		next.IsPlaying = false
		if e.Time != nil {
			next.Progress = *e.Time
		}

	case protocol.SeekEvent:
		next.Progress = e.Time

	case protocol.AdvanceEvent:
		if e.Index < 0 || e.Index >= len(next.Playlist) {
			return s, false
		}
		next.CurrentIndex = e.Index
		next.Progress = 0

	case protocol.AddMediaEvent:
		if e.Item.URL == "" || playlist.Contains(next.Playlist, e.Item) {
			return s, false
		}
		next.Playlist = append(next.Playlist, e.Item)

	case protocol.JoinEvent:
		replaced := false
		for i, v := range next.Viewers {
			if v.ID == e.Viewer.ID {
				next.Viewers[i] = e.Viewer
				replaced = true
			}
		}
		if !replaced {
			next.Viewers = append(next.Viewers, e.Viewer)
		}

	case protocol.LeaveEvent:
		kept := next.Viewers[:0]
		for _, v := range next.Viewers {
			if v.ID != e.ViewerID {
				kept = append(kept, v)
			}
		}
		if len(kept) == len(s.Viewers) {
			return s, false
		}
		next.Viewers = kept

	default:
		return s, false
	}
	return next, !equalPlayback(s, next) || viewersChanged(s.Viewers, next.Viewers)
}

func viewersChanged(a, b []session.Viewer) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

func equalPlayback(a, b LocalState) bool {
	return a.CurrentIndex == b.CurrentIndex &&
		a.IsPlaying == b.IsPlaying &&
		a.Progress == b.Progress &&
		len(a.Playlist) == len(b.Playlist)
}

func clamp(i, n int) int {
	if n == 0 || i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
