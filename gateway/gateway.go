// Package gateway composes the control plane: rate limiting, caching,
// request coalescing, upstream throttling, backend selection, and the
// account lifecycle. One incoming request traverses all of them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hkgpx/hkgpx/account"
	"github.com/hkgpx/hkgpx/cache"
	"github.com/hkgpx/hkgpx/coalesce"
	"github.com/hkgpx/hkgpx/config"
	"github.com/hkgpx/hkgpx/journal"
	"github.com/hkgpx/hkgpx/ratelimit"
	"github.com/hkgpx/hkgpx/selector"
	"github.com/hkgpx/hkgpx/throttle"
	"github.com/hkgpx/hkgpx/upstream"
)

// Persisted rate-limit field names. Changing them orphans existing
// counters in the store.
const (
	FieldAccountAction  = "account_action"
	FieldUpstreamAccess = "hkg_access"
)

type Gateway struct {
	cfg      *config.AppConfig
	logger   *log.Logger
	window   *ratelimit.Window
	throttle *throttle.Throttle
	selector *selector.Selector
	cache    *cache.Cache
	accounts *account.Registry
	verifier *account.Verifier
	fetcher  upstream.Fetcher
	journal  *journal.Journal
	metrics  *Metrics

	fetches coalesce.Group[[]byte]

	// lastLatency is the duration of the most recent upstream download,
	// in nanoseconds. Reported by Ping.
	lastLatency atomic.Int64
}

type Deps struct {
	Config   *config.AppConfig
	Logger   *log.Logger
	Window   *ratelimit.Window
	Throttle *throttle.Throttle
	Selector *selector.Selector
	Cache    *cache.Cache
	Accounts *account.Registry
	Verifier *account.Verifier
	Fetcher  upstream.Fetcher
	Journal  *journal.Journal
}

func New(deps Deps) *Gateway {
	return &Gateway{
		cfg:      deps.Config,
		logger:   deps.Logger,
		window:   deps.Window,
		throttle: deps.Throttle,
		selector: deps.Selector,
		cache:    deps.Cache,
		accounts: deps.Accounts,
		verifier: deps.Verifier,
		fetcher:  deps.Fetcher,
		journal:  deps.Journal,
		metrics:  NewMetrics(),
	}
}

// Metrics exposes the gateway's counters to the transport layer.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

// Credentials is the reply to a registration request.
type Credentials struct {
	UserID       int64  `json:"id"`
	PrivateToken string `json:"private_token"`
	PublicToken  string `json:"public_token"`
}

// CreateOrUpdateAccount registers a user ID or rotates the pending token
// pair of an existing registration.
func (g *Gateway) CreateOrUpdateAccount(userID int64, privateToken, clientIP string) (*Credentials, error) {
	g.metrics.RequestsTotal.Add(1)

	if userID <= 0 {
		return nil, validationf("ID must be greater than 0")
	}
	if len(privateToken) != account.TokenLength {
		return nil, validationf("Private token's length must be %d.", account.TokenLength)
	}
	if !g.window.Allow(FieldAccountAction, clientIP, g.cfg.Limits.AccountAction.Max, true) {
		g.metrics.RateLimitHits.Add(1)
		return nil, ErrRateLimited
	}
	if g.cfg.Friends.FriendOnly && !g.cfg.IsFriend(userID) {
		return nil, ErrFriendOnly
	}

	publicToken := g.accounts.Register(userID, privateToken)
	g.logger.Info("account registered", "user_id", userID)
	return &Credentials{
		UserID:       userID,
		PrivateToken: privateToken,
		PublicToken:  publicToken,
	}, nil
}

// VerifyAccount runs the ownership proof for a pending registration.
func (g *Gateway) VerifyAccount(ctx context.Context, userID int64, privateToken, clientIP string) error {
	g.metrics.RequestsTotal.Add(1)

	if userID <= 0 {
		return validationf("ID must be greater than 0")
	}
	if len(privateToken) != account.TokenLength {
		return validationf("Private token's length must be %d.", account.TokenLength)
	}
	if !g.window.Allow(FieldAccountAction, clientIP, g.cfg.Limits.AccountAction.Max, true) {
		g.metrics.RateLimitHits.Add(1)
		return ErrRateLimited
	}

	if err := g.verifier.Verify(ctx, userID, privateToken); err != nil {
		return err
	}
	g.metrics.AccountsVerified.Add(1)
	return nil
}

// authenticate is the shared guard for API operations: the account must
// exist, be verified, and present its committed private token. A token
// mismatch consumes from the account-action counter so brute-forcing a
// credential burns the attacker's window.
func (g *Gateway) authenticate(userID int64, privateToken, clientIP string) error {
	if len(privateToken) != account.TokenLength {
		return validationf("Private token's length must be %d.", account.TokenLength)
	}
	a, ok := g.accounts.Get(userID)
	if !ok {
		return account.ErrMissing
	}
	if !a.Verified {
		return ErrNotVerified
	}
	if !g.window.Allow(FieldAccountAction, clientIP, g.cfg.Limits.AccountAction.Max, false) {
		g.metrics.RateLimitHits.Add(1)
		return ErrRateLimited
	}
	if !a.PrivateToken.Valid || privateToken != a.PrivateToken.String {
		g.window.Allow(FieldAccountAction, clientIP, g.cfg.Limits.AccountAction.Max, true)
		return ErrTokenMismatch
	}
	return nil
}

// TopicsRequest asks for one page of a forum's topic list.
type TopicsRequest struct {
	Forum        string
	Page         int
	UserID       int64
	PrivateToken string
	ClientIP     string
	// UseCache opts a friend back into cached responses.
	UseCache bool
	// BypassCache skips the short-cache read for this request.
	BypassCache bool
}

// ListTopics returns a normalized topic-list page, serving from cache
// when possible and coalescing concurrent misses into one upstream call.
func (g *Gateway) ListTopics(ctx context.Context, req TopicsRequest) (json.RawMessage, error) {
	g.metrics.RequestsTotal.Add(1)

	if req.UserID <= 0 {
		return nil, validationf("ID must be greater than 0")
	}
	if req.Page <= 0 {
		return nil, validationf("Page must be greater than 0")
	}
	if !g.cfg.ValidForum(req.Forum) {
		return nil, validationf("Forum is not valid.")
	}
	if err := g.authenticate(req.UserID, req.PrivateToken, req.ClientIP); err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("%s-%d", req.Forum, req.Page-1)
	friend := g.cfg.IsFriend(req.UserID)

	if g.shouldServeCached(friend, req.UseCache, req.BypassCache) {
		if payload, tier, ok := g.cache.Lookup(cacheKey); ok {
			g.countHit(tier)
			g.logger.Debug("cache hit", "key", cacheKey)
			return payload, nil
		}
	}
	g.metrics.CacheMisses.Add(1)

	payload, _, err := g.fetches.Do(cacheKey, func() ([]byte, error) {
		if !friend {
			if !g.window.Allow(FieldUpstreamAccess, req.PrivateToken, g.cfg.Limits.UpstreamAccess.Max, true) {
				g.metrics.RateLimitHits.Add(1)
				return nil, ErrRateLimited
			}
		}
		return g.fetchTopicList(cacheKey, req)
	})
	return payload, err
}

func (g *Gateway) fetchTopicList(cacheKey string, req TopicsRequest) ([]byte, error) {
	src := g.selector.Choose()
	g.logger.Info("requesting topic list", "key", cacheKey, "source", src.String())

	list, err := g.fetchUpstream(src, func(ctx context.Context) (any, error) {
		return g.fetcher.TopicList(ctx, src, req.Forum, req.Page, req.UserID)
	})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("marshal topic list: %w", err)
	}
	g.cache.StoreShort(cacheKey, payload)
	return payload, nil
}

// TopicRequest asks for one page of a topic.
type TopicRequest struct {
	TopicID      int64
	Page         int
	UserID       int64
	PrivateToken string
	ClientIP     string
	UseCache     bool
	BypassCache  bool
}

// ViewTopic returns a normalized topic page. Settled pages are promoted
// to the persisted long tier; a long-tier hit slides its expiry forward.
func (g *Gateway) ViewTopic(ctx context.Context, req TopicRequest) (json.RawMessage, error) {
	g.metrics.RequestsTotal.Add(1)

	if req.UserID <= 0 {
		return nil, validationf("User ID must be greater than 0")
	}
	if req.TopicID <= 0 {
		return nil, validationf("Topic ID must be greater than 0")
	}
	if req.Page <= 0 {
		return nil, validationf("Page must be greater than 0")
	}
	if err := g.authenticate(req.UserID, req.PrivateToken, req.ClientIP); err != nil {
		return nil, err
	}

	pageIndex := req.Page - 1
	cacheKey := fmt.Sprintf("%d-%d", req.TopicID, pageIndex)
	friend := g.cfg.IsFriend(req.UserID)

	// The long tier is authoritative for settled pages; even friends who
	// opt out of the short cache are served from it.
	if payload, tier, ok := g.cache.Lookup(cacheKey); ok {
		if tier == cache.TierLong || g.shouldServeCached(friend, req.UseCache, req.BypassCache) {
			g.countHit(tier)
			g.logger.Debug("cache hit", "key", cacheKey, "long", tier == cache.TierLong)
			return payload, nil
		}
	}
	g.metrics.CacheMisses.Add(1)

	payload, _, err := g.fetches.Do(cacheKey, func() ([]byte, error) {
		if !friend {
			if !g.window.Allow(FieldUpstreamAccess, req.PrivateToken, g.cfg.Limits.UpstreamAccess.Max, true) {
				g.metrics.RateLimitHits.Add(1)
				return nil, ErrRateLimited
			}
		}
		return g.fetchTopic(cacheKey, req, pageIndex)
	})
	return payload, err
}

func (g *Gateway) fetchTopic(cacheKey string, req TopicRequest, pageIndex int) ([]byte, error) {
	src := g.selector.Choose()
	g.logger.Info("requesting topic", "key", cacheKey, "source", src.String())

	fetched, err := g.fetchUpstream(src, func(ctx context.Context) (any, error) {
		return g.fetcher.TopicDetail(ctx, src, req.TopicID, req.Page, req.UserID)
	})
	if err != nil {
		return nil, err
	}
	detail := fetched.(*upstream.TopicDetail)

	payload, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal topic: %w", err)
	}

	if g.settled(detail, pageIndex) {
		g.cache.StoreLong(cacheKey, payload)
	} else {
		g.cache.StoreShort(cacheKey, payload)
	}
	return payload, nil
}

// settled reports whether a topic page can no longer change: it is
// filled to the expected size and the reply total proves later pages
// already exist beyond it.
func (g *Gateway) settled(detail *upstream.TopicDetail, pageIndex int) bool {
	_, limit := upstream.PageWindow(pageIndex, g.cfg.PostsPerPage)
	return len(detail.Posts) == limit &&
		detail.TotalReplies > (pageIndex+1)*g.cfg.PostsPerPage
}

// fetchUpstream runs one throttled upstream call under a detached
// timeout context and feeds the outcome back to the selector. Detached,
// because a disconnecting client must not cancel a fetch other coalesced
// waiters share.
func (g *Gateway) fetchUpstream(src selector.Source, fetch func(context.Context) (any, error)) (any, error) {
	target := throttle.TargetAPI
	if src == selector.SourceDesktop {
		target = throttle.TargetDesktop
	}
	if err := g.throttle.Wait(context.Background(), target); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Upstream.Timeout)
	defer cancel()

	g.metrics.UpstreamCalls.Add(1)
	start := time.Now()
	result, err := fetch(ctx)
	if err != nil {
		g.metrics.UpstreamFailures.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			g.selector.Report(src, selector.OutcomeTimeout)
			return nil, fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
		}
		g.selector.Report(src, selector.OutcomeFailure)
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}

	g.lastLatency.Store(int64(time.Since(start)))
	g.selector.Report(src, selector.OutcomeSuccess)
	return result, nil
}

// RawRequest is an authenticated passthrough to one upstream surface.
type RawRequest struct {
	UserID       int64
	PrivateToken string
	ClientIP     string
	// API selects the mobile API surface; otherwise the desktop site.
	API     bool
	Path    string
	Form    map[string]string
	Cookies string
}

// Raw forwards an arbitrary request to the chosen surface and returns
// the raw body. Every call is journaled.
func (g *Gateway) Raw(ctx context.Context, req RawRequest) ([]byte, error) {
	g.metrics.RequestsTotal.Add(1)

	if req.UserID <= 0 {
		return nil, validationf("User ID must be greater than 0")
	}
	if len(req.Path) == 0 || req.Path[0] != '/' {
		return nil, validationf("Raw request path is invalid.")
	}
	if err := g.authenticate(req.UserID, req.PrivateToken, req.ClientIP); err != nil {
		return nil, err
	}

	if !g.cfg.IsFriend(req.UserID) {
		if !g.window.Allow(FieldUpstreamAccess, req.PrivateToken, g.cfg.Limits.UpstreamAccess.Max, true) {
			g.metrics.RateLimitHits.Add(1)
			return nil, ErrRateLimited
		}
	}

	src := selector.SourceDesktop
	target := throttle.TargetDesktop
	base := g.cfg.Upstream.DesktopBase
	if req.API {
		src = selector.SourceAPI
		target = throttle.TargetAPI
		base = g.cfg.Upstream.APIBase
	}

	method := "GET"
	if len(req.Form) > 0 {
		method = "POST"
	}
	g.journal.Record(journal.Entry{
		UserID:    req.UserID,
		RequestIP: req.ClientIP,
		Method:    method,
		URL:       base + req.Path,
		Form:      req.Form,
		Cookies:   req.Cookies,
		Timestamp: time.Now(),
	})

	if err := g.throttle.Wait(ctx, target); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.cfg.Upstream.Timeout)
	defer cancel()

	g.metrics.UpstreamCalls.Add(1)
	start := time.Now()
	body, err := g.fetcher.Raw(fetchCtx, upstream.RawRequest{
		Source:  src,
		Path:    req.Path,
		Form:    req.Form,
		Cookies: req.Cookies,
	})
	if err != nil {
		g.metrics.UpstreamFailures.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			g.selector.Report(src, selector.OutcomeTimeout)
			return nil, fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
		}
		g.selector.Report(src, selector.OutcomeFailure)
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}

	g.lastLatency.Store(int64(time.Since(start)))
	g.selector.Report(src, selector.OutcomeSuccess)
	return body, nil
}

// InvalidateCache removes a cache key from both tiers. A missing key is
// benign: deleted reports false instead of an error.
func (g *Gateway) InvalidateCache(cacheKey string, userID int64, privateToken, clientIP string) (bool, error) {
	g.metrics.RequestsTotal.Add(1)

	if userID <= 0 {
		return false, validationf("User ID must be greater than 0")
	}
	if err := g.authenticate(userID, privateToken, clientIP); err != nil {
		return false, err
	}
	return g.cache.Invalidate(cacheKey), nil
}

// PingStatus reports gateway health.
type PingStatus struct {
	// DownloadTime is the last upstream download duration in
	// milliseconds, or -1 before the first download.
	DownloadTime int64              `json:"download_time"`
	HealthScore  int                `json:"health_score"`
	SuccessRates map[string]float64 `json:"success_rates"`
}

// Ping returns the latest latency, health score, and recent per-source
// success rates.
func (g *Gateway) Ping() PingStatus {
	downloadMs := int64(-1)
	if latency := g.lastLatency.Load(); latency > 0 {
		downloadMs = latency / int64(time.Millisecond)
	}
	return PingStatus{
		DownloadTime: downloadMs,
		HealthScore:  g.selector.Score(),
		SuccessRates: g.selector.SuccessRates(),
	}
}

func (g *Gateway) shouldServeCached(friend, useCache, bypassCache bool) bool {
	if bypassCache {
		return false
	}
	if friend && g.cfg.Friends.NoCacheRequests {
		return useCache
	}
	return true
}

func (g *Gateway) countHit(tier cache.Tier) {
	if tier == cache.TierLong {
		g.metrics.CacheHitsLong.Add(1)
	} else {
		g.metrics.CacheHitsShort.Add(1)
	}
}
