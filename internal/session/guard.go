package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultGuardTTL bounds how long a logout may be marked in-flight before
// the guard reclaims the entry. A flow that dies mid-logout must not wedge
// the user forever.
const DefaultGuardTTL = 2 * time.Minute

// Guard rejects concurrent duplicate logout attempts for the same client.
// Begin is an atomic check-and-set, not a read-then-write race.
type Guard struct {
	mu       sync.Mutex
	inFlight map[string]time.Time
	ttl      time.Duration
	clock    clockwork.Clock
}

// NewGuard creates a guard. A zero ttl selects DefaultGuardTTL.
func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &Guard{
		inFlight: make(map[string]time.Time),
		ttl:      ttl,
		clock:    clockwork.NewRealClock(),
	}
}

// SetClock replaces the guard's clock, for tests.
func (g *Guard) SetClock(clock clockwork.Clock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
}

// Begin marks clientID as having a logout in flight. It returns false when
// another unexpired logout for the same client is already processing;
// exactly one of N concurrent callers wins.
func (g *Guard) Begin(clientID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	if started, ok := g.inFlight[clientID]; ok && now.Sub(started) < g.ttl {
		return false
	}
	g.inFlight[clientID] = now
	return true
}

// IsProcessing reports whether a logout for clientID is in flight. A true
// result tells the caller to wait briefly and retry rather than start a
// second protocol exchange.
func (g *Guard) IsProcessing(clientID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	started, ok := g.inFlight[clientID]
	return ok && g.clock.Now().Sub(started) < g.ttl
}

// End clears the in-flight mark for clientID. Called on completion, success
// or failure alike.
func (g *Guard) End(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, clientID)
}
