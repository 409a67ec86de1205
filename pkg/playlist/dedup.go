package playlist

import (
	"strings"

	"github.com/gabrielmiguelok/watchsync/pkg/security"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// Result is the outcome of TryAdd.
type Result struct {
	// Accepted is false when the candidate matched an existing entry.
	Accepted bool
	// Item is the appended item, or the existing match.
	Item session.MediaItem
	// Playlist is the resulting playlist. It shares no backing array with
	// the input.
	Playlist []session.MediaItem
}

// Prepare normalizes the candidate URL and fills id, title and thumbnail
// defaults. A caller-supplied id is kept.
func Prepare(candidate session.MediaItem) (session.MediaItem, error) {
	normalized, err := Normalize(candidate.URL)
	if err != nil {
		return session.MediaItem{}, err
	}
	candidate.URL = normalized
	candidate.ID = strings.TrimSpace(candidate.ID)
	if candidate.ID == "" {
		candidate.ID = CanonicalID(normalized)
	}
	candidate.Title = security.CleanText(candidate.Title, security.MaxTitleLength)
	if candidate.Title == "" {
		candidate.Title = DefaultTitle(normalized)
	}
	if strings.TrimSpace(candidate.Thumbnail) == "" {
		candidate.Thumbnail = DefaultThumbnail(normalized)
	}
	return candidate, nil
}

// TryAdd appends candidate unless an entry with the same id or normalized
// URL exists. It does not modify playlist, so it can be retried against
// the same snapshot.
func TryAdd(playlist []session.MediaItem, candidate session.MediaItem) (Result, error) {
	item, err := Prepare(candidate)
	if err != nil {
		return Result{}, err
	}

	if existing, ok := Find(playlist, item); ok {
		return Result{Accepted: false, Item: existing, Playlist: clone(playlist)}, nil
	}

	next := make([]session.MediaItem, len(playlist), len(playlist)+1)
	copy(next, playlist)
	next = append(next, item)
	return Result{Accepted: true, Item: item, Playlist: next}, nil
}

// Find returns the entry matching item by id or by URL.
func Find(playlist []session.MediaItem, item session.MediaItem) (session.MediaItem, bool) {
	for _, existing := range playlist {
		if item.ID != "" && existing.ID == item.ID {
			return existing, true
		}
		if item.URL != "" && sameURL(existing.URL, item.URL) {
			return existing, true
		}
	}
	return session.MediaItem{}, false
}

// Contains reports whether the playlist already holds item.
func Contains(playlist []session.MediaItem, item session.MediaItem) bool {
	_, ok := Find(playlist, item)
	return ok
}

func sameURL(a, b string) bool {
	if a == b {
		return true
	}
	na, errA := Normalize(a)
	nb, errB := Normalize(b)
	return errA == nil && errB == nil && na == nb
}

func clone(playlist []session.MediaItem) []session.MediaItem {
	out := make([]session.MediaItem, len(playlist))
	copy(out, playlist)
	return out
}
