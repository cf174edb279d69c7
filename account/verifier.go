package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hkgpx/hkgpx/throttle"
)

var (
	// ErrMissing means no account exists for the requested ID.
	ErrMissing = errors.New("account does not exist")
	// ErrTokenMismatch means the supplied token does not equal the pending one.
	ErrTokenMismatch = errors.New("private token mismatch")
	// ErrAlreadyVerified rejects re-verification with the committed token.
	// A no-op re-verification is an error, not idempotent success.
	ErrAlreadyVerified = errors.New("already verified this account and this private token")
	// ErrVerificationBusy rejects a second concurrent verification for
	// the same account.
	ErrVerificationBusy = errors.New("verification already in progress")
	// ErrOwnershipMismatch means the fetched profile field does not carry
	// the issued public token yet.
	ErrOwnershipMismatch = errors.New("fetched public token does not match record")
	// ErrUpstreamUnreachable means the profile fetch failed or timed out.
	ErrUpstreamUnreachable = errors.New("invalid response from upstream")
)

// ProfileFetcher reads the profile field used for the ownership proof.
type ProfileFetcher interface {
	ProfileField(ctx context.Context, userID int64) (string, error)
}

// Verifier runs the two-phase challenge-response handshake: the gateway
// issues a nonce (the public token), the user publishes it on their
// upstream profile, and Verify later checks that publication before
// committing the private token.
type Verifier struct {
	registry *Registry
	profiles ProfileFetcher
	throttle *throttle.Throttle
	timeout  time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	inflight map[int64]struct{}
}

func NewVerifier(registry *Registry, profiles ProfileFetcher, thr *throttle.Throttle, timeout time.Duration, logger *log.Logger) *Verifier {
	return &Verifier{
		registry: registry,
		profiles: profiles,
		throttle: thr,
		timeout:  timeout,
		logger:   logger,
		inflight: make(map[int64]struct{}),
	}
}

// Verify checks the ownership proof for id and, on success, commits
// privateToken as the account's permanent credential. Failure paths
// leave the account pending so the user can retry.
func (v *Verifier) Verify(ctx context.Context, id int64, privateToken string) error {
	a, ok := v.registry.Get(id)
	if !ok {
		return ErrMissing
	}
	if privateToken != a.PendingPrivateToken {
		return ErrTokenMismatch
	}
	if a.PrivateToken.Valid && a.PrivateToken.String == a.PendingPrivateToken {
		return ErrAlreadyVerified
	}

	v.mu.Lock()
	if _, busy := v.inflight[id]; busy {
		v.mu.Unlock()
		return ErrVerificationBusy
	}
	v.inflight[id] = struct{}{}
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		delete(v.inflight, id)
		v.mu.Unlock()
	}()

	if err := v.throttle.Wait(ctx, throttle.TargetDesktop); err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	field, err := v.profiles.ProfileField(fetchCtx, id)
	if err != nil {
		v.logger.Warn("profile fetch failed", "user_id", id, "err", err)
		return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}

	if field != a.PublicToken {
		return ErrOwnershipMismatch
	}

	if !v.registry.Commit(id) {
		// Account swept between the check and the commit.
		return ErrMissing
	}
	v.logger.Info("account verified", "user_id", id)
	return nil
}
