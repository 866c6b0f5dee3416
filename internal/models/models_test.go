package models

import "testing"

func TestRoomPairGreeting(t *testing.T) {
	p := RoomPair{}
	if got := p.Greeting(); got != DefaultGreeting {
		t.Errorf("Greeting = %q, want default", got)
	}
	p.GreetingMessage = "custom"
	if got := p.Greeting(); got != "custom" {
		t.Errorf("Greeting = %q, want custom", got)
	}
}

func TestRoomPairIsPending(t *testing.T) {
	p := RoomPair{LobbyChannelID: PendingLobby}
	if !p.IsPending() {
		t.Error("placeholder pair should be pending")
	}
	p.LobbyChannelID = "lobby-1"
	if p.IsPending() {
		t.Error("real lobby should not be pending")
	}
}

func TestRoomPairAdminList(t *testing.T) {
	p := RoomPair{ControlRoomAdmins: "alice, bob ,,charlie"}
	got := p.AdminList()
	want := []string{"alice", "bob", "charlie"}
	if len(got) != len(want) {
		t.Fatalf("AdminList = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AdminList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if (&RoomPair{}).AdminList() != nil {
		t.Error("empty admin field should yield nil")
	}
}

func TestRoomPairIsAuthorized(t *testing.T) {
	p := RoomPair{CreatedBy: "alice", ControlRoomAdmins: "bob"}
	if !p.IsAuthorized("alice") {
		t.Error("creator should be authorized")
	}
	if !p.IsAuthorized("bob") {
		t.Error("listed admin should be authorized")
	}
	if p.IsAuthorized("mallory") {
		t.Error("stranger should not be authorized")
	}
}

func TestSessionRecipient(t *testing.T) {
	s := Session{VisitorID: "v-1", Address: "addr-1"}
	if got := s.Recipient(); got != "addr-1" {
		t.Errorf("Recipient = %q, want addr-1", got)
	}
	s.Address = ""
	if got := s.Recipient(); got != "v-1" {
		t.Errorf("Recipient = %q, want v-1", got)
	}
}

func TestSessionPseudonymOrEmpty(t *testing.T) {
	s := Session{}
	if got := s.PseudonymOrEmpty(); got != "" {
		t.Errorf("PseudonymOrEmpty = %q, want empty", got)
	}
	label := "User K"
	s.Pseudonym = &label
	if got := s.PseudonymOrEmpty(); got != "User K" {
		t.Errorf("PseudonymOrEmpty = %q, want User K", got)
	}
}
