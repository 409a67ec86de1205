// Package session defines the shared-viewing session model used by the
// store, the presence tracker and the client agent.
package session

import (
	"sort"
	"strings"
	"time"
)

// Role is a viewer's permission level within a session.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleModerator Role = "MODERATOR"
	RoleGuest     Role = "GUEST"
)

// Elevated reports whether the role may mutate playback and playlist.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleModerator
}

// ParseRole maps a raw role name to a Role. Unknown names are guests.
func ParseRole(s string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleModerator:
		return RoleModerator
	default:
		return RoleGuest
	}
}

// MediaItem is one entry of a session playlist.
type MediaItem struct {
	ID        string    `json:"id" msgpack:"id"`
	URL       string    `json:"url" msgpack:"url"`
	Title     string    `json:"title" msgpack:"t"`
	Thumbnail string    `json:"thumbnail" msgpack:"th"`
	AddedAt   time.Time `json:"addedAt" msgpack:"aa"`
	AddedBy   string    `json:"addedBy" msgpack:"ab"`
}

// Viewer is a participant attached to a session.
type Viewer struct {
	ID           string    `json:"id" msgpack:"id"`
	DisplayName  string    `json:"displayName" msgpack:"dn"`
	Role         Role      `json:"role" msgpack:"r"`
	AvatarURL    string    `json:"avatarUrl,omitempty" msgpack:"av"`
	LastActiveAt time.Time `json:"lastActiveAt" msgpack:"la"`
}

// Session is the authoritative state of one shared-viewing room.
type Session struct {
	ID            string            `json:"id" msgpack:"id"`
	Playlist      []MediaItem       `json:"playlist" msgpack:"pl"`
	CurrentIndex  int               `json:"currentIndex" msgpack:"ci"`
	IsPlaying     bool              `json:"isPlaying" msgpack:"ip"`
	Progress      float64           `json:"progress" msgpack:"pr"`
	Viewers       map[string]Viewer `json:"viewers" msgpack:"vw"`
	LastUpdatedAt time.Time         `json:"lastUpdatedAt" msgpack:"lu"`
	CreatedAt     time.Time         `json:"createdAt" msgpack:"ca"`
}

// New returns an empty session created at now.
func New(id string, now time.Time) *Session {
	return &Session{
		ID:            id,
		Playlist:      []MediaItem{},
		Viewers:       make(map[string]Viewer),
		LastUpdatedAt: now,
		CreatedAt:     now,
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.Playlist = make([]MediaItem, len(s.Playlist))
	copy(c.Playlist, s.Playlist)
	c.Viewers = make(map[string]Viewer, len(s.Viewers))
	for id, v := range s.Viewers {
		c.Viewers[id] = v
	}
	return &c
}

// Touch marks the session as updated.
func (s *Session) Touch(now time.Time) {
	s.LastUpdatedAt = now
}

// UpsertViewer inserts the viewer or refreshes the existing entry with the
// same id. It reports whether the viewer was new.
func (s *Session) UpsertViewer(v Viewer, now time.Time) bool {
	if s.Viewers == nil {
		s.Viewers = make(map[string]Viewer)
	}
	_, existed := s.Viewers[v.ID]
	v.LastActiveAt = now
	s.Viewers[v.ID] = v
	return !existed
}

// RemoveViewer deletes a viewer. It reports whether one was removed.
func (s *Session) RemoveViewer(id string) bool {
	if _, ok := s.Viewers[id]; !ok {
		return false
	}
	delete(s.Viewers, id)
	return true
}

// TouchViewer refreshes LastActiveAt of a present viewer. Absent viewers
// are left absent.
func (s *Session) TouchViewer(id string, now time.Time) bool {
	v, ok := s.Viewers[id]
	if !ok {
		return false
	}
	v.LastActiveAt = now
	s.Viewers[id] = v
	return true
}

// PruneViewers removes viewers last active before cutoff and returns
// them ordered by id.
func (s *Session) PruneViewers(cutoff time.Time) []Viewer {
	var removed []Viewer
	for id, v := range s.Viewers {
		if v.LastActiveAt.Before(cutoff) {
			delete(s.Viewers, id)
			removed = append(removed, v)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}

// ViewerList returns the viewers ordered by id.
func (s *Session) ViewerList() []Viewer {
	list := make([]Viewer, 0, len(s.Viewers))
	for _, v := range s.Viewers {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Current returns the item at CurrentIndex, if any.
func (s *Session) Current() (MediaItem, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Playlist) {
		return MediaItem{}, false
	}
	return s.Playlist[s.CurrentIndex], true
}

// Snapshot is the full reconciliation view of a session.
type Snapshot struct {
	SessionID    string      `json:"sessionId"`
	Playlist     []MediaItem `json:"playlist"`
	CurrentIndex int         `json:"currentIndex"`
	IsPlaying    bool        `json:"isPlaying"`
	Progress     float64     `json:"progress"`
	Viewers      []Viewer    `json:"viewers"`
}

// Snapshot copies the session into its wire representation.
func (s *Session) Snapshot() Snapshot {
	playlist := make([]MediaItem, len(s.Playlist))
	copy(playlist, s.Playlist)
	return Snapshot{
		SessionID:    s.ID,
		Playlist:     playlist,
		CurrentIndex: s.CurrentIndex,
		IsPlaying:    s.IsPlaying,
		Progress:     s.Progress,
		Viewers:      s.ViewerList(),
	}
}
