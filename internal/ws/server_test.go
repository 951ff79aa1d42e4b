package ws

import (
	"encoding/json"
	"testing"

	"bankrun-lab/internal/game"
)

func TestJoinRoomListsLobbyMembers(t *testing.T) {
	srv := newTestServer()
	creator := &client{send: make(chan []byte, 64), id: "c1"}
	joiner := &client{send: make(chan []byte, 64), id: "c2"}
	srv.byClient["c1"] = creator
	srv.byClient["c2"] = joiner

	srv.handleCreateRoom(creator, CreateRoomMessage{Name: "Alice"})
	var created RoomCreated
	if err := json.Unmarshal(lastOfType(t, creator, "room-created"), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	srv.handleJoinRoom(joiner, JoinRoomMessage{Code: created.Code, Name: "Bob"})
	var joined RoomJoined
	if err := json.Unmarshal(lastOfType(t, joiner, "room-joined"), &joined); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if joined.Seat != 2 {
		t.Fatalf("seat = %d, want 2", joined.Seat)
	}
	if len(joined.Players) != 2 || joined.Players[0] != "Alice" || joined.Players[1] != "Bob" {
		t.Fatalf("players = %v", joined.Players)
	}

	lastOfType(t, creator, "player-joined")
}

func TestStartGameClaimsRoomOnce(t *testing.T) {
	srv := newTestServer()
	defer srv.Shutdown()

	creator := &client{send: make(chan []byte, 256), id: "c1"}
	srv.byClient["c1"] = creator
	v := srv.rooms.Create(game.ModeSimultaneous)
	if _, _, err := srv.rooms.Join(v.Code, "Alice", "c1"); err != nil {
		t.Fatalf("join error = %v", err)
	}

	srv.handleStartGame(creator, StartGameMessage{Code: v.Code})
	lastOfType(t, creator, "game-starting")

	srv.handleStartGame(creator, StartGameMessage{Code: v.Code})
	var em ErrorMessage
	if err := json.Unmarshal(lastOfType(t, creator, "error"), &em); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if em.Code != "invalid_transition" {
		t.Fatalf("second start error = %q, want invalid_transition", em.Code)
	}
}
