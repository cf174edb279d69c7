// Package account owns the gateway's accounts and the ownership-proof
// handshake that turns a registration into a durable credential.
package account

import (
	"crypto/rand"
	"database/sql"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hkgpx/hkgpx/store"
)

// TokenLength is the required length of both public and private tokens.
const TokenLength = 32

const tokenCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Registry owns every Account record. It is the only component that
// mutates them; mutations schedule a debounced save.
type Registry struct {
	mu            sync.Mutex
	accounts      map[int64]*store.Account
	unverifiedTTL time.Duration
	clock         clock.Clock
	persist       func()
}

func NewRegistry(seed []store.Account, unverifiedTTL time.Duration, clk clock.Clock, persist func()) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if persist == nil {
		persist = func() {}
	}
	r := &Registry{
		accounts:      make(map[int64]*store.Account),
		unverifiedTTL: unverifiedTTL,
		clock:         clk,
		persist:       persist,
	}
	for _, a := range seed {
		copied := a
		r.accounts[a.ID] = &copied
	}
	return r
}

// Register creates the account or rotates its pending token pair, and
// returns the fresh public token the user must publish on their profile.
// Re-registration overwrites the previous pending pair; the destroy
// deadline restarts for unverified accounts.
func (r *Registry) Register(id int64, privateToken string) string {
	publicToken := makeToken()

	r.mu.Lock()
	a, ok := r.accounts[id]
	if !ok {
		a = &store.Account{ID: id}
		r.accounts[id] = a
	}
	if !a.Verified {
		a.DestroyAfter = sql.NullTime{
			Time:  r.clock.Now().Add(r.unverifiedTTL),
			Valid: true,
		}
	}
	a.PendingPrivateToken = privateToken
	a.PublicToken = publicToken
	r.mu.Unlock()

	r.persist()
	return publicToken
}

// Get returns a copy of the account record.
func (r *Registry) Get(id int64) (store.Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return store.Account{}, false
	}
	return *a, true
}

// Commit promotes the pending token to the permanent credential. Once
// verified, the destroy deadline is cleared and never reinstated.
func (r *Registry) Commit(id int64) bool {
	r.mu.Lock()
	a, ok := r.accounts[id]
	if ok {
		a.Verified = true
		a.PrivateToken = sql.NullString{String: a.PendingPrivateToken, Valid: true}
		a.DestroyAfter = sql.NullTime{}
	}
	r.mu.Unlock()

	if ok {
		r.persist()
	}
	return ok
}

// Sweep deletes unverified accounts past their deadline and clears stray
// deadlines off verified ones. Returns how many accounts were removed
// and whether anything changed.
func (r *Registry) Sweep() (removed int, changed bool) {
	r.mu.Lock()
	now := r.clock.Now()
	for id, a := range r.accounts {
		if a.Verified {
			if a.DestroyAfter.Valid {
				a.DestroyAfter = sql.NullTime{}
				changed = true
			}
			continue
		}
		if a.DestroyAfter.Valid && !a.DestroyAfter.Time.After(now) {
			delete(r.accounts, id)
			removed++
			changed = true
		}
	}
	r.mu.Unlock()

	if changed {
		r.persist()
	}
	return removed, changed
}

// Snapshot returns the accounts for persistence.
func (r *Registry) Snapshot() []store.Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]store.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	return out
}

func makeToken() string {
	buf := make([]byte, TokenLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform's entropy source is
		// broken, at which point serving traffic is pointless anyway.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = tokenCharset[int(b)%len(tokenCharset)]
	}
	return string(buf)
}
