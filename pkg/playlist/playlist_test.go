package playlist

import (
	"strings"
	"testing"

	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"keeps https", "https://x/y", "https://x/y", false},
		{"defaults scheme", "example.com/video.mp4", "https://example.com/video.mp4", false},
		{"keeps http", "http://example.com/a", "http://example.com/a", false},
		{"shorts rewrite", "https://youtube.com/shorts/dQw4w9WgXcQ", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", false},
		{"short link rewrite", "youtu.be/dQw4w9WgXcQ", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", false},
		{"trims", "  https://x/y  ", "https://x/y", false},
		{"empty", "   ", "", true},
		{"no host", "https://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q, got %q", tt.in, got)
				}
				if !session.IsValidation(err) {
					t.Errorf("Expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestContentID(t *testing.T) {
	tests := []struct {
		url    string
		want   string
		wantOK bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://www.youtube.com/watch?list=x&v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{"https://vimeo.com/76979871", "76979871", true},
		{"https://vimeo.com/video/76979871", "76979871", true},
		{"https://www.youtube.com/channel", "", false},
		{"https://example.com/movie.mp4", "", false},
	}

	for _, tt := range tests {
		got, ok := ContentID(tt.url)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ContentID(%q) = %q, %v; want %q, %v", tt.url, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestCanonicalIDIsDeterministic(t *testing.T) {
	a := CanonicalID("https://example.com/a.mp4")
	b := CanonicalID("https://example.com/a.mp4")
	if a != b {
		t.Errorf("Expected identical ids, got %q and %q", a, b)
	}
	if !strings.HasPrefix(a, "video-") {
		t.Errorf("Expected video- prefix, got %q", a)
	}
	if got := CanonicalID("https://www.youtube.com/watch?v=dQw4w9WgXcQ"); got != "dQw4w9WgXcQ" {
		t.Errorf("Expected YouTube id, got %q", got)
	}
	if got := CanonicalID("https://vimeo.com/42"); got != "vimeo-42" {
		t.Errorf("Expected vimeo-42, got %q", got)
	}
}

func TestDefaults(t *testing.T) {
	yt := "https://www.youtube.com/watch?v=dQw4w9WgXcQ"
	if got := DefaultThumbnail(yt); got != "https://img.youtube.com/vi/dQw4w9WgXcQ/hqdefault.jpg" {
		t.Errorf("Unexpected YouTube thumbnail %q", got)
	}
	if got := DefaultTitle(yt); got != "YouTube Video (dQw4w9WgXcQ)" {
		t.Errorf("Unexpected YouTube title %q", got)
	}
	if got := DefaultThumbnail("https://www.twitch.tv/x"); got != thumbTwitch {
		t.Errorf("Unexpected Twitch thumbnail %q", got)
	}
	if got := DefaultThumbnail("https://example.com/a"); got != thumbOther {
		t.Errorf("Unexpected default thumbnail %q", got)
	}
}

func TestTryAddIdempotent(t *testing.T) {
	candidate := session.MediaItem{URL: "https://x/y", Title: "A", AddedBy: "v1"}

	first, err := TryAdd(nil, candidate)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !first.Accepted {
		t.Fatal("Expected first add to be accepted")
	}

	second, err := TryAdd(first.Playlist, candidate)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if second.Accepted {
		t.Error("Expected duplicate add to be rejected as a no-op")
	}
	if len(second.Playlist) != 1 {
		t.Errorf("Expected playlist length 1, got %d", len(second.Playlist))
	}
	if second.Item.ID != first.Item.ID {
		t.Errorf("Expected existing item to be returned, got %q", second.Item.ID)
	}
}

func TestTryAddMatchesEitherField(t *testing.T) {
	existing := []session.MediaItem{{ID: "custom", URL: "https://x/a", Title: "A"}}

	tests := []struct {
		name      string
		candidate session.MediaItem
		accepted  bool
	}{
		{"same id different url", session.MediaItem{ID: "custom", URL: "https://x/b"}, false},
		{"same url different id", session.MediaItem{ID: "other", URL: "x/a"}, false},
		{"both different", session.MediaItem{ID: "other", URL: "https://x/b"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := TryAdd(existing, tt.candidate)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if res.Accepted != tt.accepted {
				t.Errorf("Accepted = %v, want %v", res.Accepted, tt.accepted)
			}
		})
	}
}

func TestTryAddIsPure(t *testing.T) {
	base := make([]session.MediaItem, 1, 4)
	base[0] = session.MediaItem{ID: "a", URL: "https://x/a"}

	r1, err := TryAdd(base, session.MediaItem{URL: "https://x/b"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	r2, err := TryAdd(base, session.MediaItem{URL: "https://x/c"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(base) != 1 {
		t.Errorf("Expected input playlist untouched, got length %d", len(base))
	}
	if r1.Playlist[1].URL != "https://x/b" {
		t.Errorf("Expected first result to keep its own append, got %q", r1.Playlist[1].URL)
	}
	if r2.Playlist[1].URL != "https://x/c" {
		t.Errorf("Expected second result to keep its own append, got %q", r2.Playlist[1].URL)
	}
}

func TestSameYouTubeURLFromTwoSubmitters(t *testing.T) {
	r1, err := TryAdd(nil, session.MediaItem{URL: "https://youtube.com/shorts/dQw4w9WgXcQ", AddedBy: "first"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	r2, err := TryAdd(r1.Playlist, session.MediaItem{URL: "https://youtu.be/dQw4w9WgXcQ", AddedBy: "second"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(r2.Playlist) != 1 {
		t.Fatalf("Expected one entry, got %d", len(r2.Playlist))
	}
	if r2.Playlist[0].AddedBy != "first" {
		t.Errorf("Expected first submitter to win, got %q", r2.Playlist[0].AddedBy)
	}
}

func TestTryAddRejectsInvalidURL(t *testing.T) {
	_, err := TryAdd(nil, session.MediaItem{URL: ""})
	if !session.IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestPrepareCleansTitle(t *testing.T) {
	item, err := Prepare(session.MediaItem{URL: "https://vimeo.com/123", Title: "  <i>Live</i>\n set "})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if item.Title != "Live set" {
		t.Errorf("Expected cleaned title %q, got %q", "Live set", item.Title)
	}

	item, err = Prepare(session.MediaItem{URL: "https://vimeo.com/123", Title: "<b></b>"})
	if err != nil {
		t.Fatal(err)
	}
	if item.Title != DefaultTitle(item.URL) {
		t.Errorf("Expected the default title for an empty cleaned title, got %q", item.Title)
	}
}
