package room

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"bankrun-lab/internal/game"
	"bankrun-lab/internal/store"
)

var (
	ErrNotFound = errors.New("room_not_found")
	ErrFull     = errors.New("room_full")
)

const (
	codeLength  = 6
	idleTimeout = 30 * time.Minute
)

// Member is a player waiting in a room lobby, in join order.
type Member struct {
	Name     string
	ClientID string
	JoinedAt time.Time
}

// View is an immutable copy of a room's state. All reads outside the
// registry go through views; the live record never leaves the lock.
type View struct {
	Code       string
	Mode       game.Mode
	Members    []Member
	SessionID  string
	InProgress bool
}

// room is the live record, only touched under Registry.mu.
type room struct {
	code       string
	mode       game.Mode
	members    []Member
	sessionID  string
	inProgress bool
	createdAt  time.Time

	expiry *time.Timer
}

func (rm *room) view() View {
	members := make([]Member, len(rm.members))
	copy(members, rm.members)
	return View{
		Code:       rm.code,
		Mode:       rm.mode,
		Members:    members,
		SessionID:  rm.sessionID,
		InProgress: rm.inProgress,
	}
}

// Registry holds all open rooms. Idle rooms evict themselves after 30
// minutes.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func NewRegistry() *Registry {
	return &Registry{rooms: map[string]*room{}}
}

// Create allocates a room with a fresh unique code.
func (r *Registry) Create(mode game.Mode) View {
	r.mu.Lock()
	defer r.mu.Unlock()

	var code string
	for {
		code = store.NewCode(codeLength)
		if _, taken := r.rooms[code]; !taken {
			break
		}
	}

	rm := &room{code: code, mode: mode, createdAt: time.Now()}
	rm.expiry = time.AfterFunc(idleTimeout, func() { r.Delete(code) })
	r.rooms[code] = rm
	log.Info().Str("room", code).Str("mode", string(mode)).Msg("room created")
	return rm.view()
}

// View returns a copy of the room state, safe to read and hand out
// without further locking.
func (r *Registry) View(code string) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return View{}, false
	}
	return rm.view(), true
}

// Join assigns the next free patient slot, in arrival order, and
// returns the seat number plus the lobby as of this join.
func (r *Registry) Join(code, name, clientID string) (int, View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return 0, View{}, ErrNotFound
	}
	if len(rm.members) >= 2 {
		return 0, View{}, ErrFull
	}
	rm.members = append(rm.members, Member{Name: name, ClientID: clientID, JoinedAt: time.Now()})
	log.Info().Str("room", code).Str("name", name).Int("seat", len(rm.members)).Msg("player joined room")
	return len(rm.members), rm.view(), nil
}

// Leave removes a member by connection identity; an emptied lobby is
// deleted.
func (r *Registry) Leave(code, clientID string) {
	r.mu.Lock()
	rm, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return
	}
	kept := rm.members[:0]
	for _, m := range rm.members {
		if m.ClientID != clientID {
			kept = append(kept, m)
		}
	}
	rm.members = kept
	empty := len(rm.members) == 0 && !rm.inProgress
	r.mu.Unlock()

	if empty {
		r.Delete(code)
	}
}

// MarkInProgress pins the room to a running session and stops idle
// eviction. It reports whether this call won the claim; a second
// start attempt on the same room sees false.
func (r *Registry) MarkInProgress(code, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok || rm.inProgress {
		return false
	}
	rm.inProgress = true
	rm.sessionID = sessionID
	if rm.expiry != nil {
		rm.expiry.Stop()
	}
	return true
}

// Delete removes a room; redundant calls are safe.
func (r *Registry) Delete(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return
	}
	if rm.expiry != nil {
		rm.expiry.Stop()
	}
	delete(r.rooms, code)
	log.Info().Str("room", code).Msg("room deleted")
}
