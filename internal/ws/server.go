package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"bankrun-lab/internal/game"
	"bankrun-lab/internal/llm"
	"bankrun-lab/internal/room"
	"bankrun-lab/internal/store"
)

const (
	maxNameRunes = 50
	maxChatRunes = 500
)

// ResultSink receives the end-of-game document. A nil sink means the
// server runs without persistence.
type ResultSink interface {
	SaveGameResult(ctx context.Context, doc store.GameResultDoc) error
}

// ConfigFunc returns the game configuration snapshot and the opponent
// type ("ai" or "human") to apply to a session starting now.
type ConfigFunc func(ctx context.Context) (game.Config, string)

type client struct {
	conn *websocket.Conn
	send chan []byte

	id   string
	name string

	mu       sync.Mutex
	roomCode string
	session  *gameSession
	slot     game.Slot
}

type Server struct {
	rooms    *room.Registry
	agent    *llm.Agent
	sink     ResultSink
	config   ConfigFunc
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*gameSession
	byClient map[string]*client
}

func NewServer(rooms *room.Registry, agent *llm.Agent, sink ResultSink, config ConfigFunc) *Server {
	return &Server{
		rooms:    rooms,
		agent:    agent,
		sink:     sink,
		config:   config,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		sessions: map[string]*gameSession{},
		byClient: map[string]*client{},
	}
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 16), id: newToken()}

	s.mu.Lock()
	s.byClient[c.id] = c
	s.mu.Unlock()

	go s.writeLoop(c)
	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.unregister(c)
		_ = c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &base); err != nil {
			s.sendError(c, "validation_error", "malformed message")
			continue
		}
		switch base.Type {
		case "create-room":
			var m CreateRoomMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				s.sendError(c, "validation_error", "malformed create-room")
				continue
			}
			s.handleCreateRoom(c, m)
		case "join-room":
			var m JoinRoomMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				s.sendError(c, "validation_error", "malformed join-room")
				continue
			}
			s.handleJoinRoom(c, m)
		case "leave-room":
			var m LeaveRoomMessage
			_ = json.Unmarshal(msg, &m)
			s.handleLeaveRoom(c, m.Code)
		case "start-game":
			var m StartGameMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				s.sendError(c, "validation_error", "malformed start-game")
				continue
			}
			s.handleStartGame(c, m)
		case "submit-decision":
			var m SubmitDecisionMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				s.sendError(c, "validation_error", "malformed submit-decision")
				continue
			}
			s.handleSubmitDecision(c, m)
		case "send-chat":
			var m SendChatMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				s.sendError(c, "validation_error", "malformed send-chat")
				continue
			}
			s.handleSendChat(c, m)
		case "ready-next-round":
			var m ReadyNextRoundMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				s.sendError(c, "validation_error", "malformed ready-next-round")
				continue
			}
			if gs, ok := s.sessionFor(c, m.SessionID); ok {
				gs.post(envelope{kind: evReady, from: c, slot: game.Slot(m.Slot), token: m.Token})
			}
		case "reconnect":
			var m ReconnectMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				s.sendError(c, "validation_error", "malformed reconnect")
				continue
			}
			s.handleReconnect(c, m)
		default:
			s.sendError(c, "validation_error", "unknown message type")
		}
	}
}

func (s *Server) writeLoop(c *client) {
	for msg := range c.send {
		_ = c.conn.WriteMessage(websocket.TextMessage, msg)
	}
	_ = c.conn.Close()
}

func validName(name string) bool {
	n := utf8.RuneCountInString(name)
	return n >= 1 && n <= maxNameRunes
}

func (s *Server) handleCreateRoom(c *client, m CreateRoomMessage) {
	if !validName(m.Name) {
		s.sendError(c, "validation_error", "name must be 1-50 characters")
		return
	}
	mode := game.Mode(m.Mode)
	if m.Mode == "" {
		mode = game.ModeSimultaneous
	}
	if !mode.Valid() {
		s.sendError(c, "validation_error", "unknown game mode")
		return
	}

	r := s.rooms.Create(mode)
	if _, _, err := s.rooms.Join(r.Code, m.Name, c.id); err != nil {
		s.sendError(c, "room_not_found", "room vanished before join")
		return
	}
	c.mu.Lock()
	c.name = m.Name
	c.roomCode = r.Code
	c.mu.Unlock()

	send(c, RoomCreated{Type: "room-created", Code: r.Code, Mode: string(mode)})
	send(c, RoomJoined{Type: "room-joined", Code: r.Code, Seat: 1, Players: []string{m.Name}})
}

func (s *Server) handleJoinRoom(c *client, m JoinRoomMessage) {
	if !validName(m.Name) {
		s.sendError(c, "validation_error", "name must be 1-50 characters")
		return
	}
	if len(m.Code) != 6 {
		s.sendError(c, "validation_error", "room code must be 6 characters")
		return
	}
	seat, v, err := s.rooms.Join(m.Code, m.Name, c.id)
	if err != nil {
		if errors.Is(err, room.ErrFull) {
			s.sendError(c, "room_full", "room already has two players")
		} else {
			s.sendError(c, "room_not_found", "no such room")
		}
		return
	}
	c.mu.Lock()
	c.name = m.Name
	c.roomCode = m.Code
	c.mu.Unlock()

	send(c, RoomJoined{Type: "room-joined", Code: m.Code, Seat: seat, Players: memberNames(v)})
	s.broadcastRoom(m.Code, PlayerPresence{Type: "player-joined", Code: m.Code, Name: m.Name}, c)
}

func memberNames(v room.View) []string {
	names := make([]string, 0, len(v.Members))
	for _, m := range v.Members {
		names = append(names, m.Name)
	}
	return names
}

func (s *Server) handleLeaveRoom(c *client, code string) {
	c.mu.Lock()
	if c.roomCode != code {
		c.mu.Unlock()
		return
	}
	name := c.name
	c.roomCode = ""
	c.mu.Unlock()

	s.rooms.Leave(code, c.id)
	s.broadcastRoom(code, PlayerPresence{Type: "player-left", Code: code, Name: name}, c)
}

// handleStartGame turns a lobby into a running session. One member
// plus an "ai" opponent type synthesizes the second patient; two
// members start human versus human.
func (s *Server) handleStartGame(c *client, m StartGameMessage) {
	r, ok := s.rooms.View(m.Code)
	if !ok {
		s.sendError(c, "room_not_found", "no such room")
		return
	}
	if r.InProgress {
		s.sendError(c, "invalid_transition", "game already started")
		return
	}
	if len(r.Members) == 0 || r.Members[0].ClientID != c.id {
		s.sendError(c, "unauthorized", "only the room creator can start")
		return
	}

	cfg, opponent := s.config(context.Background())
	cfg.Mode = r.Mode
	if m.TotalRounds != 0 {
		if m.TotalRounds < 1 || m.TotalRounds > 20 {
			s.sendError(c, "validation_error", "total_rounds must be 1-20")
			return
		}
		cfg.TotalRounds = m.TotalRounds
	}
	if m.DecisionTimeoutMs != 0 {
		if m.DecisionTimeoutMs < 1000 || m.DecisionTimeoutMs > 600000 {
			s.sendError(c, "validation_error", "decision_timeout_ms must be 1000-600000")
			return
		}
		cfg.DecisionTimeoutMs = m.DecisionTimeoutMs
	}

	p1 := game.Participant{Name: r.Members[0].Name, ClientID: r.Members[0].ClientID}
	var p2 game.Participant
	switch {
	case len(r.Members) >= 2:
		p2 = game.Participant{Name: r.Members[1].Name, ClientID: r.Members[1].ClientID}
	case opponent == "ai":
		profile := game.RandomProfile(nil)
		p2 = game.Participant{Name: "Participant B", ClientID: "ai:" + newToken(), IsAI: true, Profile: &profile}
	default:
		s.sendError(c, "validation_error", "waiting for a second player")
		return
	}

	tokens := map[game.Slot]string{
		game.SlotPatient1: newToken(),
		game.SlotPatient2: newToken(),
	}
	sess, err := game.NewSession(store.NewID(), m.Code, cfg, p1, p2, tokens)
	if err != nil {
		s.sendError(c, "validation_error", err.Error())
		return
	}
	// The claim is atomic; a concurrent start on the same room loses
	// here even if both passed the snapshot checks above.
	if !s.rooms.MarkInProgress(m.Code, sess.ID) {
		s.sendError(c, "invalid_transition", "game already started")
		return
	}

	gs := newGameSession(s, sess)
	if p2.IsAI {
		gs.aiSlot = game.SlotPatient2
		s.agent.InitProfile(sess.ID, *p2.Profile, "human", cfg.Payoffs)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = gs
	for _, slot := range game.PatientSlots {
		p := sess.Participants[slot]
		if p.IsAI {
			continue
		}
		cl := s.byClient[p.ClientID]
		if cl == nil {
			continue
		}
		gs.clients[slot] = cl
		cl.mu.Lock()
		cl.session = gs
		cl.slot = slot
		cl.mu.Unlock()
	}
	s.mu.Unlock()

	log.Info().Str("session_id", sess.ID).Str("room", m.Code).
		Str("mode", string(cfg.Mode)).Bool("vs_ai", p2.IsAI).Msg("game starting")

	names := map[game.Slot]string{
		game.SlotPatient1: p1.Name,
		game.SlotPatient2: p2.Name,
	}
	for slot, cl := range gs.clients {
		send(cl, GameStarting{
			Type:         "game-starting",
			SessionID:    sess.ID,
			Slot:         slot,
			Token:        tokens[slot],
			Mode:         cfg.Mode,
			TotalRounds:  cfg.TotalRounds,
			Payoffs:      cfg.Payoffs,
			Participants: names,
		})
	}

	go gs.run()
}

func (s *Server) sessionFor(c *client, sessionID string) (*gameSession, bool) {
	s.mu.Lock()
	gs, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		s.sendError(c, "session_not_found", "no such session")
		return nil, false
	}
	return gs, true
}

func (s *Server) handleSubmitDecision(c *client, m SubmitDecisionMessage) {
	d := game.Decision(m.Decision)
	if !d.Valid() {
		s.sendError(c, "validation_error", "decision must be KEEP or WITHDRAW")
		return
	}
	gs, ok := s.sessionFor(c, m.SessionID)
	if !ok {
		return
	}
	gs.post(envelope{kind: evDecision, from: c, slot: game.Slot(m.Slot), token: m.Token, decision: d})
}

func (s *Server) handleSendChat(c *client, m SendChatMessage) {
	if m.Text == "" || utf8.RuneCountInString(m.Text) > maxChatRunes {
		s.sendError(c, "validation_error", "chat text must be 1-500 characters")
		return
	}
	gs, ok := s.sessionFor(c, m.SessionID)
	if !ok {
		return
	}
	gs.post(envelope{kind: evChat, from: c, slot: game.Slot(m.Slot), token: m.Token, text: m.Text})
}

func (s *Server) handleReconnect(c *client, m ReconnectMessage) {
	gs, ok := s.sessionFor(c, m.SessionID)
	if !ok {
		return
	}
	gs.post(envelope{kind: evReconnect, from: c, slot: game.Slot(m.Slot), token: m.Token})
}

func (s *Server) unregister(c *client) {
	c.mu.Lock()
	code := c.roomCode
	gs := c.session
	slot := c.slot
	c.mu.Unlock()

	s.mu.Lock()
	if s.byClient[c.id] == c {
		delete(s.byClient, c.id)
	}
	s.mu.Unlock()

	if gs != nil {
		gs.post(envelope{kind: evDisconnect, from: c, slot: slot})
	} else if code != "" {
		s.handleLeaveRoom(c, code)
	}
	safeClose(c.send)
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Shutdown stops every running session without waiting for purges.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*gameSession, 0, len(s.sessions))
	for _, gs := range s.sessions {
		sessions = append(sessions, gs)
	}
	s.mu.Unlock()
	for _, gs := range sessions {
		gs.stop()
	}
}

func (s *Server) broadcastRoom(code string, msg any, except *client) {
	v, ok := s.rooms.View(code)
	if !ok {
		return
	}
	raw, _ := json.Marshal(msg)
	s.mu.Lock()
	for _, m := range v.Members {
		if cl := s.byClient[m.ClientID]; cl != nil && cl != except {
			safeSend(cl.send, raw)
		}
	}
	s.mu.Unlock()
}

func (s *Server) sendError(c *client, code, detail string) {
	send(c, ErrorMessage{Type: "error", Code: code, Message: detail})
}

func send(c *client, msg any) {
	if c == nil {
		return
	}
	raw, _ := json.Marshal(msg)
	safeSend(c.send, raw)
}

func safeClose(ch chan []byte) {
	defer func() {
		_ = recover()
	}()
	close(ch)
}

func safeSend(ch chan []byte, msg []byte) {
	defer func() {
		_ = recover()
	}()
	select {
	case ch <- msg:
	default:
	}
}

func newToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
