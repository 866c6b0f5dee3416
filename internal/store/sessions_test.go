package store

import (
	"strings"
	"sync"
	"testing"

	"github.com/zulandar/switchboard/internal/models"
)

func mustCreatePair(t *testing.T, r *Registry, lobby, control string) *models.RoomPair {
	t.Helper()
	pair, err := r.Create(lobby, control, "alice")
	if err != nil {
		t.Fatalf("create pair: %v", err)
	}
	return pair
}

// --- Join tests ---

func TestSessionsJoin_NewAndRejoin(t *testing.T) {
	db := openStoreTestDB(t)
	r := NewRegistry(db)
	s := NewSessions(db)
	pair := mustCreatePair(t, r, "lobby-1", "control-1")

	sess, isNew, err := s.Join(pair, "visitor-1", "Vera", "addr-1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !isNew {
		t.Error("first join should be new")
	}
	if sess.Pseudonym != nil {
		t.Error("no pseudonym expected with anonymous mode off")
	}

	again, isNew, err := s.Join(pair, "visitor-1", "", "")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if isNew {
		t.Error("rejoin should not be new")
	}
	if again.ID != sess.ID {
		t.Errorf("rejoin session ID = %d, want %d", again.ID, sess.ID)
	}
}

func TestSessionsJoin_MergeFillsEmptyOnly(t *testing.T) {
	db := openStoreTestDB(t)
	r := NewRegistry(db)
	s := NewSessions(db)
	pair := mustCreatePair(t, r, "lobby-1", "control-1")

	if _, _, err := s.Join(pair, "visitor-1", "", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// Fill-in pass.
	sess, _, err := s.Join(pair, "visitor-1", "Vera", "addr-1")
	if err != nil {
		t.Fatalf("merge join: %v", err)
	}
	if sess.Name != "Vera" || sess.Address != "addr-1" {
		t.Errorf("merge did not fill: name=%q address=%q", sess.Name, sess.Address)
	}

	// Known values are never overwritten.
	sess, _, err = s.Join(pair, "visitor-1", "Other", "addr-2")
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if sess.Name != "Vera" || sess.Address != "addr-1" {
		t.Errorf("merge overwrote: name=%q address=%q", sess.Name, sess.Address)
	}
}

func TestSessionsJoin_AnonymousAssignsPseudonym(t *testing.T) {
	db := openStoreTestDB(t)
	r := NewRegistry(db)
	s := NewSessions(db)
	pair := mustCreatePair(t, r, "lobby-1", "control-1")
	on := true
	pair, err := r.Update(pair.ID, RoomPairPatch{AnonymousMode: &on})
	if err != nil {
		t.Fatalf("enable anonymous: %v", err)
	}

	sess, _, err := s.Join(pair, "visitor-1", "Vera", "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if sess.Pseudonym == nil {
		t.Fatal("expected pseudonym")
	}
	if !strings.HasPrefix(*sess.Pseudonym, "User ") {
		t.Errorf("pseudonym = %q, want User prefix", *sess.Pseudonym)
	}
}

func TestSessionsJoin_ConcurrentDistinctPseudonyms(t *testing.T) {
	db := openStoreTestDB(t)
	r := NewRegistry(db)
	s := NewSessions(db)
	pair := mustCreatePair(t, r, "lobby-1", "control-1")
	on := true
	pair, err := r.Update(pair.ID, RoomPairPatch{AnonymousMode: &on})
	if err != nil {
		t.Fatalf("enable anonymous: %v", err)
	}

	const joiners = 12
	var wg sync.WaitGroup
	results := make([]*models.Session, joiners)
	errs := make([]error, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, _, err := s.Join(pair, "visitor-"+string(rune('a'+i)), "", "")
			results[i] = sess
			errs[i] = err
		}(i)
	}
	wg.Wait()

	seen := map[string]int{}
	for i := 0; i < joiners; i++ {
		if errs[i] != nil {
			t.Fatalf("join %d: %v", i, errs[i])
		}
		if results[i].Pseudonym == nil {
			t.Fatalf("join %d: missing pseudonym", i)
		}
		seen[*results[i].Pseudonym]++
	}
	for label, n := range seen {
		if n > 1 {
			t.Errorf("pseudonym %q assigned %d times", label, n)
		}
	}
}

func TestSessionsJoin_LockedRecheckPreventsDuplicates(t *testing.T) {
	db := openStoreTestDB(t)
	r := NewRegistry(db)
	s := NewSessions(db)
	pair := mustCreatePair(t, r, "lobby-1", "control-1")

	first, _, err := s.Join(pair, "visitor-1", "Vera", "addr-1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	// A racing join that passed the pre-lock existence check must find the
	// committed session once it holds the mutex, not insert a second one.
	sess, created, err := s.createWithPseudonym(allocSpec{
		pairID:    &pair.ID,
		visitorID: "visitor-1",
	})
	if err != nil {
		t.Fatalf("createWithPseudonym: %v", err)
	}
	if created {
		t.Error("expected the existing session, not a new one")
	}
	if sess.ID != first.ID {
		t.Errorf("session ID = %d, want %d", sess.ID, first.ID)
	}

	var count int64
	db.Model(&models.Session{}).
		Where("room_pair_id = ? AND visitor_id = ? AND status = ?",
			pair.ID, "visitor-1", models.SessionActive).
		Count(&count)
	if count != 1 {
		t.Errorf("active sessions = %d, want 1", count)
	}
}

// --- Direct session tests ---

func TestSessionsJoinDirect(t *testing.T) {
	s := NewSessions(openStoreTestDB(t))

	sess, isNew, err := s.JoinDirect("visitor-1", "Vera", "addr-1", false)
	if err != nil {
		t.Fatalf("JoinDirect: %v", err)
	}
	if !isNew || !sess.Direct {
		t.Errorf("isNew=%t direct=%t, want true/true", isNew, sess.Direct)
	}

	again, isNew, err := s.JoinDirect("visitor-1", "", "", false)
	if err != nil {
		t.Fatalf("JoinDirect again: %v", err)
	}
	if isNew || again.ID != sess.ID {
		t.Errorf("rejoin: isNew=%t id=%d, want false/%d", isNew, again.ID, sess.ID)
	}
}

func TestSessionsJoinDirect_BackfillsPseudonym(t *testing.T) {
	s := NewSessions(openStoreTestDB(t))

	sess, _, err := s.JoinDirect("visitor-1", "Vera", "addr-1", false)
	if err != nil {
		t.Fatalf("JoinDirect: %v", err)
	}
	if sess.Pseudonym != nil {
		t.Fatal("no pseudonym expected yet")
	}

	// Anonymity turned on mid-conversation.
	sess, _, err = s.JoinDirect("visitor-1", "", "", true)
	if err != nil {
		t.Fatalf("JoinDirect anonymous: %v", err)
	}
	if sess.Pseudonym == nil {
		t.Fatal("expected backfilled pseudonym")
	}
	if !strings.HasPrefix(*sess.Pseudonym, "DM-") {
		t.Errorf("pseudonym = %q, want DM- prefix", *sess.Pseudonym)
	}
}

// --- Leave tests ---

func TestSessionsLeave(t *testing.T) {
	db := openStoreTestDB(t)
	r := NewRegistry(db)
	s := NewSessions(db)
	pair := mustCreatePair(t, r, "lobby-1", "control-1")

	sess, _, err := s.Join(pair, "visitor-1", "Vera", "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	ended, err := s.Leave(pair.ID, "visitor-1")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if ended == nil || ended.ID != sess.ID {
		t.Fatalf("Leave returned %v, want session %d", ended, sess.ID)
	}
	if ended.Status != models.SessionEnded || ended.LeftAt == nil {
		t.Errorf("status=%q leftAt=%v, want ended with timestamp", ended.Status, ended.LeftAt)
	}

	// Leaving again is a no-op.
	ended, err = s.Leave(pair.ID, "visitor-1")
	if err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	if ended != nil {
		t.Error("second Leave should return nil")
	}
}

func TestSessionsLeaveThenRejoin_NewSession(t *testing.T) {
	db := openStoreTestDB(t)
	r := NewRegistry(db)
	s := NewSessions(db)
	pair := mustCreatePair(t, r, "lobby-1", "control-1")

	first, _, err := s.Join(pair, "visitor-1", "Vera", "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := s.Leave(pair.ID, "visitor-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	second, isNew, err := s.Join(pair, "visitor-1", "Vera", "")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !isNew || second.ID == first.ID {
		t.Errorf("rejoin after leave: isNew=%t id=%d (old %d), want a fresh session",
			isNew, second.ID, first.ID)
	}
}

// --- Lookup preference tests ---

func TestSessionsForVisitor_PrefersLobby(t *testing.T) {
	db := openStoreTestDB(t)
	r := NewRegistry(db)
	s := NewSessions(db)
	pair := mustCreatePair(t, r, "lobby-1", "control-1")

	if _, _, err := s.JoinDirect("visitor-1", "", "", false); err != nil {
		t.Fatalf("JoinDirect: %v", err)
	}
	lobby, _, err := s.Join(pair, "visitor-1", "", "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	got, err := s.ForVisitor("visitor-1")
	if err != nil || got == nil {
		t.Fatalf("ForVisitor: %v", err)
	}
	if got.ID != lobby.ID {
		t.Errorf("ForVisitor = session %d, want lobby session %d", got.ID, lobby.ID)
	}
}

func TestSessionsActiveByJoinNotice_SpansPairings(t *testing.T) {
	db := openStoreTestDB(t)
	r := NewRegistry(db)
	s := NewSessions(db)

	// Two pairings share the control channel; the placeholder sorts first.
	mustCreatePair(t, r, models.PendingLobby, "control-1")
	pair := mustCreatePair(t, r, "lobby-1", "control-1")

	sess, _, err := s.Join(pair, "visitor-1", "Vera", "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := s.SetJoinNotice(sess.ID, "notice-1"); err != nil {
		t.Fatalf("SetJoinNotice: %v", err)
	}

	got, err := s.ActiveByJoinNotice("control-1", "notice-1")
	if err != nil || got == nil {
		t.Fatalf("ActiveByJoinNotice: %v, got=%v", err, got)
	}
	if got.ID != sess.ID {
		t.Errorf("session ID = %d, want %d", got.ID, sess.ID)
	}

	// Wrong channel, unknown ID, and the empty ID all resolve to nothing.
	for _, tc := range []struct{ control, notice string }{
		{"control-2", "notice-1"},
		{"control-1", "notice-9"},
		{"control-1", ""},
	} {
		if got, err := s.ActiveByJoinNotice(tc.control, tc.notice); err != nil || got != nil {
			t.Errorf("ActiveByJoinNotice(%q, %q) = %v, %v; want nil", tc.control, tc.notice, got, err)
		}
	}

	// An ended session no longer resolves.
	if _, err := s.Leave(pair.ID, "visitor-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if got, _ := s.ActiveByJoinNotice("control-1", "notice-1"); got != nil {
		t.Error("ended session should not resolve")
	}
}

// --- DisplayName tests ---

func TestDisplayName(t *testing.T) {
	label := "User Q"
	tests := []struct {
		name string
		sess models.Session
		pair *models.RoomPair
		dm   bool
		want string
	}{
		{
			name: "pseudonym wins when anonymous",
			sess: models.Session{Name: "Vera", Pseudonym: &label},
			pair: &models.RoomPair{AnonymousMode: true},
			want: "User Q",
		},
		{
			name: "name when not anonymous",
			sess: models.Session{Name: "Vera", Pseudonym: &label},
			pair: &models.RoomPair{AnonymousMode: false},
			want: "Vera",
		},
		{
			name: "address fallback",
			sess: models.Session{Address: "addr-1"},
			pair: &models.RoomPair{},
			want: "addr-1",
		},
		{
			name: "truncated visitor ID fallback",
			sess: models.Session{VisitorID: "0123456789abcdef"},
			pair: &models.RoomPair{},
			want: "01234567...",
		},
		{
			name: "direct anonymous",
			sess: models.Session{Name: "Vera", Pseudonym: &label, Direct: true},
			dm:   true,
			want: "User Q",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayName(&tt.sess, tt.pair, tt.dm); got != tt.want {
				t.Errorf("DisplayName = %q, want %q", got, tt.want)
			}
		})
	}
}
