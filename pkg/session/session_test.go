package session

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRoleElevated(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleAdmin, true},
		{RoleModerator, true},
		{RoleGuest, false},
		{Role(""), false},
	}

	for _, tt := range tests {
		if got := tt.role.Elevated(); got != tt.want {
			t.Errorf("Role(%q).Elevated() = %v, want %v", tt.role, got, tt.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	tests := map[string]Role{
		"admin":      RoleAdmin,
		" MODERATOR": RoleModerator,
		"GUEST":      RoleGuest,
		"owner":      RoleGuest,
		"":           RoleGuest,
	}

	for in, want := range tests {
		if got := ParseRole(in); got != want {
			t.Errorf("ParseRole(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestUpsertViewerNeverDuplicates(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New("room", now)

	if !s.UpsertViewer(Viewer{ID: "v1", DisplayName: "Ann"}, now) {
		t.Error("Expected first upsert to report a new viewer")
	}
	later := now.Add(time.Minute)
	if s.UpsertViewer(Viewer{ID: "v1", DisplayName: "Ann B"}, later) {
		t.Error("Expected second upsert to refresh, not insert")
	}

	if len(s.Viewers) != 1 {
		t.Fatalf("Expected 1 viewer, got %d", len(s.Viewers))
	}
	v := s.Viewers["v1"]
	if v.DisplayName != "Ann B" {
		t.Errorf("Expected refreshed display name, got %q", v.DisplayName)
	}
	if !v.LastActiveAt.Equal(later) {
		t.Errorf("Expected LastActiveAt %v, got %v", later, v.LastActiveAt)
	}
}

func TestTouchViewerDoesNotResurrect(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New("room", now)
	s.UpsertViewer(Viewer{ID: "v1"}, now)
	s.RemoveViewer("v1")

	if s.TouchViewer("v1", now.Add(time.Second)) {
		t.Error("Expected touch of a departed viewer to be ignored")
	}
	if len(s.Viewers) != 0 {
		t.Errorf("Expected no viewers, got %d", len(s.Viewers))
	}
}

func TestPruneViewers(t *testing.T) {
	base := time.Unix(1000, 0)
	s := New("room", base)
	s.UpsertViewer(Viewer{ID: "old"}, base)
	s.UpsertViewer(Viewer{ID: "fresh"}, base.Add(10*time.Minute))

	removed := s.PruneViewers(base.Add(5 * time.Minute))
	if len(removed) != 1 || removed[0].ID != "old" {
		t.Errorf("Expected [old] removed, got %+v", removed)
	}
	if _, ok := s.Viewers["fresh"]; !ok {
		t.Error("Expected fresh viewer to remain")
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New("room", now)
	s.Playlist = append(s.Playlist, MediaItem{ID: "a", URL: "https://x/a"})
	s.UpsertViewer(Viewer{ID: "v1"}, now)

	c := s.Clone()
	c.Playlist[0].Title = "changed"
	c.Playlist = append(c.Playlist, MediaItem{ID: "b"})
	c.RemoveViewer("v1")

	if s.Playlist[0].Title != "" || len(s.Playlist) != 1 {
		t.Error("Expected original playlist to be unaffected by clone mutation")
	}
	if len(s.Viewers) != 1 {
		t.Error("Expected original viewers to be unaffected by clone mutation")
	}
}

func TestSnapshotSortsViewers(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New("room", now)
	for _, id := range []string{"c", "a", "b"} {
		s.UpsertViewer(Viewer{ID: id}, now)
	}

	snap := s.Snapshot()
	if snap.SessionID != "room" {
		t.Errorf("Expected session id room, got %q", snap.SessionID)
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap.Viewers[i].ID != want {
			t.Errorf("Viewers[%d] = %q, want %q", i, snap.Viewers[i].ID, want)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("apply: %w", &InvalidIndexError{Index: 3, Length: 1})
	if !IsValidation(wrapped) {
		t.Error("Expected invalid index to classify as validation")
	}
	if !IsValidation(Invalid("time", "must be a number")) {
		t.Error("Expected ValidationError to classify as validation")
	}
	if !IsAuthorization(&AuthorizationError{ViewerID: "v", Role: RoleGuest, Action: "play"}) {
		t.Error("Expected AuthorizationError to classify as authorization")
	}

	inner := errors.New("broken pipe")
	te := &TransportError{Op: "send", Err: inner}
	if !IsTransport(te) || !errors.Is(te, inner) {
		t.Error("Expected TransportError to classify and unwrap")
	}
}
