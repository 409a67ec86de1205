package client

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/gabrielmiguelok/watchsync/pkg/engine"
	"github.com/gabrielmiguelok/watchsync/pkg/identity"
	"github.com/gabrielmiguelok/watchsync/pkg/protocol"
	"github.com/gabrielmiguelok/watchsync/pkg/session"
	"github.com/gabrielmiguelok/watchsync/pkg/state"
)

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (l *eventLog) Publish(ctx context.Context, ev protocol.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) drain() []protocol.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	return out
}

type room struct {
	engine *engine.Engine
	log    *eventLog
}

func newRoom() *room {
	store := state.NewStore(state.NewMemoryRepository(), state.WithClock(clock.NewMock()))
	roles := identity.NewStaticRoles(map[string]string{"host": "ADMIN", "mod": "MODERATOR"}, session.RoleGuest)
	log := &eventLog{}
	return &room{engine: engine.New(store, roles, log), log: log}
}

// synced is the state a client reaches from a full snapshot alone.
func (r *room) synced(t *testing.T) LocalState {
	t.Helper()
	sess, err := r.engine.Store().Get(context.Background(), sid)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	s, _ := Reconcile(LocalState{SessionID: sid}, protocol.NewSync(sess))
	s, _ = Reconcile(s, protocol.NewSyncPresence(sess))
	return s
}

func diffState(got, want LocalState) string {
	ids := func(items []session.MediaItem) string {
		out := ""
		for _, it := range items {
			out += it.ID + "=" + it.URL + " "
		}
		return out
	}
	viewers := func(vs []session.Viewer) string {
		list := make([]string, 0, len(vs))
		for _, v := range vs {
			list = append(list, v.ID+":"+string(v.Role))
		}
		sort.Strings(list)
		return fmt.Sprint(list)
	}
	switch {
	case ids(got.Playlist) != ids(want.Playlist):
		return fmt.Sprintf("playlist %q, want %q", ids(got.Playlist), ids(want.Playlist))
	case got.CurrentIndex != want.CurrentIndex:
		return fmt.Sprintf("index %d, want %d", got.CurrentIndex, want.CurrentIndex)
	case got.IsPlaying != want.IsPlaying:
		return fmt.Sprintf("playing %v, want %v", got.IsPlaying, want.IsPlaying)
	case got.Progress != want.Progress:
		return fmt.Sprintf("progress %v, want %v", got.Progress, want.Progress)
	case viewers(got.Viewers) != viewers(want.Viewers):
		return fmt.Sprintf("viewers %s, want %s", viewers(got.Viewers), viewers(want.Viewers))
	}
	return ""
}

var mediaPool = []string{
	"https://youtu.be/dQw4w9WgXcQ",
	"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
	"https://vimeo.com/76979871",
	"https://example.com/clip.mp4",
	"example.com/clip.mp4",
	"https://www.twitch.tv/videos/123",
}

func randomIntent(rng *rand.Rand, playlistLen int) protocol.Intent {
	switch rng.Intn(8) {
	case 0:
		if rng.Intn(2) == 0 {
			at := float64(rng.Intn(600))
			return protocol.Play{Time: &at}
		}
		return protocol.Play{}
	case 1:
		return protocol.Pause{}
	case 2:
		return protocol.Seek{Time: float64(rng.Intn(600))}
	case 3:
		return protocol.Advance{Index: rng.Intn(playlistLen + 2)}
	case 4, 5:
		return protocol.AddMedia{Item: session.MediaItem{URL: mediaPool[rng.Intn(len(mediaPool))]}}
	case 6:
		return protocol.Join{}
	default:
		return protocol.Leave{}
	}
}

func TestDeltasConvergeToSnapshot(t *testing.T) {
	actors := []identity.Principal{{ViewerID: "host"}, {ViewerID: "mod"}, {ViewerID: "guest"}, {ViewerID: "ann"}}

	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			r := newRoom()
			ctx := context.Background()

			local := LocalState{SessionID: sid}
			if _, err := r.engine.Apply(ctx, actors[0], sid, protocol.Join{}); err != nil {
				t.Fatalf("Join failed: %v", err)
			}

			for step := 0; step < 60; step++ {
				actor := actors[rng.Intn(len(actors))]
				intent := randomIntent(rng, len(local.Playlist))
				// Rejected intents publish nothing and leave state alone.
				r.engine.Apply(ctx, actor, sid, intent)

				for _, ev := range r.log.drain() {
					local, _ = Reconcile(local, ev)
				}

				want := r.synced(t)
				if d := diffState(local, want); d != "" {
					t.Fatalf("step %d (%s by %s): deltas diverged: %s", step, intent.Kind(), actor.ViewerID, d)
				}
				resynced, _ := Reconcile(local, protocol.NewSync(mustGet(t, r)))
				resynced, _ = Reconcile(resynced, protocol.NewSyncPresence(mustGet(t, r)))
				if d := diffState(resynced, want); d != "" {
					t.Fatalf("step %d: deltas followed by a sync diverged: %s", step, d)
				}
			}
		})
	}
}

func TestSyncCarriesUnbroadcastProgress(t *testing.T) {
	r := newRoom()
	ctx := context.Background()
	host := identity.Principal{ViewerID: "host"}

	local := LocalState{SessionID: sid}
	steps := []protocol.Intent{
		protocol.Join{},
		protocol.AddMedia{Item: session.MediaItem{URL: mediaPool[0]}},
		protocol.Play{},
		protocol.UpdateProgress{Time: 17},
		protocol.UpdateProgress{Time: 18},
	}
	for _, in := range steps {
		if _, err := r.engine.Apply(ctx, host, sid, in); err != nil {
			t.Fatalf("%s failed: %v", in.Kind(), err)
		}
		for _, ev := range r.log.drain() {
			local, _ = Reconcile(local, ev)
		}
	}
	if local.Progress == 18 {
		t.Fatal("Expected progress reports not to be broadcast as deltas")
	}

	local, _ = Reconcile(local, protocol.NewSync(mustGet(t, r)))
	if d := diffState(local, r.synced(t)); d != "" {
		t.Errorf("Expected a sync to restore the snapshot, got %s", d)
	}
}

func mustGet(t *testing.T, r *room) *session.Session {
	t.Helper()
	sess, err := r.engine.Store().Get(context.Background(), sid)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return sess
}
