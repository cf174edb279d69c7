package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hkgpx/hkgpx/account"
	"github.com/hkgpx/hkgpx/cache"
	"github.com/hkgpx/hkgpx/config"
	"github.com/hkgpx/hkgpx/journal"
	"github.com/hkgpx/hkgpx/ratelimit"
	"github.com/hkgpx/hkgpx/selector"
	"github.com/hkgpx/hkgpx/throttle"
	"github.com/hkgpx/hkgpx/upstream"
)

const testToken = "0123456789abcdef0123456789abcdef"

type fakeFetcher struct {
	mu          sync.Mutex
	listCalls   int
	detailCalls int
	rawCalls    int

	list    *upstream.TopicList
	detail  *upstream.TopicDetail
	rawBody []byte
	field   string
	err     error

	enterOnce sync.Once
	entered   chan struct{}
	release   chan struct{}
}

func (f *fakeFetcher) block(ctx context.Context) {
	if f.entered != nil {
		f.enterOnce.Do(func() { close(f.entered) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
}

func (f *fakeFetcher) TopicList(ctx context.Context, src selector.Source, forum string, page int, userID int64) (*upstream.TopicList, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	f.block(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return f.list, nil
}

func (f *fakeFetcher) TopicDetail(ctx context.Context, src selector.Source, topicID int64, page int, userID int64) (*upstream.TopicDetail, error) {
	f.mu.Lock()
	f.detailCalls++
	f.mu.Unlock()
	f.block(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return f.detail, nil
}

func (f *fakeFetcher) ProfileField(ctx context.Context, userID int64) (string, error) {
	return f.field, f.err
}

func (f *fakeFetcher) Raw(ctx context.Context, req upstream.RawRequest) ([]byte, error) {
	f.mu.Lock()
	f.rawCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rawBody, nil
}

func (f *fakeFetcher) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type testRig struct {
	gw       *Gateway
	cfg      *config.AppConfig
	cache    *cache.Cache
	accounts *account.Registry
	fetcher  *fakeFetcher
}

func newRig(t *testing.T, fetcher *fakeFetcher, mutate func(*config.AppConfig)) *testRig {
	t.Helper()

	cfg := config.DefaultAppConfig()
	cfg.Upstream.Timeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	logger := log.New(io.Discard)
	window := ratelimit.NewWindow(nil, nil, nil, nil)
	thr := throttle.New(map[string]throttle.Target{}, nil)
	sel := selector.New(cfg.Selector.Max, cfg.Selector.SuccessStep, cfg.Selector.FailureStep)
	c := cache.New(nil, cfg.Cache.ShortTTL, cfg.Cache.LongTTL, nil, nil)
	accounts := account.NewRegistry(nil, cfg.UnverifiedTTL, nil, nil)
	verifier := account.NewVerifier(accounts, fetcher, thr, time.Second, logger)
	jour, err := journal.Open(t.TempDir(), time.Second, logger, nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	gw := New(Deps{
		Config:   cfg,
		Logger:   logger,
		Window:   window,
		Throttle: thr,
		Selector: sel,
		Cache:    c,
		Accounts: accounts,
		Verifier: verifier,
		Fetcher:  fetcher,
		Journal:  jour,
	})
	return &testRig{gw: gw, cfg: cfg, cache: c, accounts: accounts, fetcher: fetcher}
}

// verified registers an account and commits its credential directly,
// skipping the upstream ownership proof.
func (r *testRig) verified(t *testing.T, id int64) {
	t.Helper()
	r.accounts.Register(id, testToken)
	if !r.accounts.Commit(id) {
		t.Fatalf("commit account %d", id)
	}
}

func sampleList() *upstream.TopicList {
	return &upstream.TopicList{
		Forum: "GM", Page: 1, TotalTopics: 100,
		Topics: []upstream.TopicSummary{{ID: 1, Title: "t", Author: "a"}},
	}
}

func TestListTopics_ColdCacheThenHit(t *testing.T) {
	fetcher := &fakeFetcher{list: sampleList()}
	rig := newRig(t, fetcher, nil)
	rig.verified(t, 100)

	req := TopicsRequest{Forum: "GM", Page: 1, UserID: 100, PrivateToken: testToken, ClientIP: "ip"}

	first, err := rig.gw.ListTopics(context.Background(), req)
	if err != nil {
		t.Fatalf("cold call: %v", err)
	}
	if fetcher.listCount() != 1 {
		t.Fatalf("expected 1 upstream fetch, got %d", fetcher.listCount())
	}

	second, err := rig.gw.ListTopics(context.Background(), req)
	if err != nil {
		t.Fatalf("warm call: %v", err)
	}
	if fetcher.listCount() != 1 {
		t.Errorf("warm call must not refetch, got %d fetches", fetcher.listCount())
	}
	if string(first) != string(second) {
		t.Error("cached payload differs from the fetched one")
	}

	// The cache key is forum-<zero-based page>.
	if _, _, ok := rig.cache.Lookup("GM-0"); !ok {
		t.Error("expected payload under key GM-0")
	}

	var list upstream.TopicList
	if err := json.Unmarshal(first, &list); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if list.Forum != "GM" || len(list.Topics) != 1 {
		t.Errorf("payload mangled: %+v", list)
	}
}

func TestListTopics_Validation(t *testing.T) {
	rig := newRig(t, &fakeFetcher{list: sampleList()}, nil)
	rig.verified(t, 100)

	cases := []TopicsRequest{
		{Forum: "GM", Page: 1, UserID: 0, PrivateToken: testToken},
		{Forum: "GM", Page: 0, UserID: 100, PrivateToken: testToken},
		{Forum: "NOPE", Page: 1, UserID: 100, PrivateToken: testToken},
	}
	for i, req := range cases {
		_, err := rig.gw.ListTopics(context.Background(), req)
		if !IsValidation(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestListTopics_AuthGuards(t *testing.T) {
	rig := newRig(t, &fakeFetcher{list: sampleList()}, nil)

	// Unknown account.
	_, err := rig.gw.ListTopics(context.Background(), TopicsRequest{
		Forum: "GM", Page: 1, UserID: 5, PrivateToken: testToken, ClientIP: "ip"})
	if !errors.Is(err, account.ErrMissing) {
		t.Errorf("expected ErrMissing, got %v", err)
	}

	// Registered but never verified.
	rig.accounts.Register(5, testToken)
	_, err = rig.gw.ListTopics(context.Background(), TopicsRequest{
		Forum: "GM", Page: 1, UserID: 5, PrivateToken: testToken, ClientIP: "ip"})
	if !errors.Is(err, ErrNotVerified) {
		t.Errorf("expected ErrNotVerified, got %v", err)
	}
}

func TestAuthenticate_MismatchBurnsWindow(t *testing.T) {
	rig := newRig(t, &fakeFetcher{list: sampleList()}, func(cfg *config.AppConfig) {
		cfg.Limits.AccountAction.Max = 3
	})
	rig.verified(t, 100)

	wrong := "ffffffffffffffffffffffffffffffff"
	req := TopicsRequest{Forum: "GM", Page: 1, UserID: 100, PrivateToken: wrong, ClientIP: "ip"}

	// Each mismatch consumes from the window; the probe itself does not.
	for i := 0; i < 2; i++ {
		_, err := rig.gw.ListTopics(context.Background(), req)
		if !errors.Is(err, ErrTokenMismatch) {
			t.Fatalf("attempt %d: expected ErrTokenMismatch, got %v", i+1, err)
		}
	}
	_, err := rig.gw.ListTopics(context.Background(), req)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited after burning the window, got %v", err)
	}

	// The legitimate token is locked out too until the window resets.
	req.PrivateToken = testToken
	_, err = rig.gw.ListTopics(context.Background(), req)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited for the real token as well, got %v", err)
	}
}

func TestListTopics_CoalescesConcurrentMisses(t *testing.T) {
	fetcher := &fakeFetcher{
		list:    sampleList(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	rig := newRig(t, fetcher, nil)
	rig.verified(t, 100)

	req := TopicsRequest{Forum: "GM", Page: 1, UserID: 100, PrivateToken: testToken, ClientIP: "ip"}

	const callers = 6
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		payload, err := rig.gw.ListTopics(context.Background(), req)
		results[0], errs[0] = string(payload), err
	}()
	<-fetcher.entered

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, err := rig.gw.ListTopics(context.Background(), req)
			results[i], errs[i] = string(payload), err
		}(i)
	}
	// Give the stragglers a moment to join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	if fetcher.listCount() != 1 {
		t.Errorf("expected exactly 1 upstream fetch, got %d", fetcher.listCount())
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("caller %d got a different payload", i)
		}
	}
}

func TestViewTopic_SettledPagePromotedToLongTier(t *testing.T) {
	posts := make([]upstream.Post, 26) // full first page: 25 + opening post
	detail := &upstream.TopicDetail{
		TopicID: 777, Page: 0, Title: "t",
		TotalReplies: 60, // later pages provably exist
		Posts:        posts,
	}
	rig := newRig(t, &fakeFetcher{detail: detail}, nil)
	rig.verified(t, 100)

	_, err := rig.gw.ViewTopic(context.Background(), TopicRequest{
		TopicID: 777, Page: 1, UserID: 100, PrivateToken: testToken, ClientIP: "ip"})
	if err != nil {
		t.Fatalf("ViewTopic() error: %v", err)
	}

	if _, tier, ok := rig.cache.Lookup("777-0"); !ok || tier != cache.TierLong {
		t.Errorf("settled page should land in the long tier, got tier=%v ok=%v", tier, ok)
	}
}

func TestViewTopic_UnsettledPageStaysShort(t *testing.T) {
	detail := &upstream.TopicDetail{
		TopicID: 777, Page: 0, Title: "t",
		TotalReplies: 10,
		Posts:        make([]upstream.Post, 11), // partial page
	}
	rig := newRig(t, &fakeFetcher{detail: detail}, nil)
	rig.verified(t, 100)

	_, err := rig.gw.ViewTopic(context.Background(), TopicRequest{
		TopicID: 777, Page: 1, UserID: 100, PrivateToken: testToken, ClientIP: "ip"})
	if err != nil {
		t.Fatalf("ViewTopic() error: %v", err)
	}

	if _, tier, ok := rig.cache.Lookup("777-0"); !ok || tier != cache.TierShort {
		t.Errorf("unsettled page belongs in the short tier, got tier=%v ok=%v", tier, ok)
	}
}

func TestViewTopic_FullPageAloneIsNotSettled(t *testing.T) {
	detail := &upstream.TopicDetail{
		TopicID: 777, Page: 0, Title: "t",
		TotalReplies: 25, // exactly one page worth: the page can still grow
		Posts:        make([]upstream.Post, 26),
	}
	rig := newRig(t, &fakeFetcher{detail: detail}, nil)
	rig.verified(t, 100)

	_, err := rig.gw.ViewTopic(context.Background(), TopicRequest{
		TopicID: 777, Page: 1, UserID: 100, PrivateToken: testToken, ClientIP: "ip"})
	if err != nil {
		t.Fatalf("ViewTopic() error: %v", err)
	}

	if _, tier, _ := rig.cache.Lookup("777-0"); tier != cache.TierShort {
		t.Errorf("page without proven later pages must stay short, got tier=%v", tier)
	}
}

func TestViewTopic_LongTierServedToCacheBypassingFriend(t *testing.T) {
	detail := &upstream.TopicDetail{
		TopicID: 777, Page: 0, TotalReplies: 60,
		Posts: make([]upstream.Post, 26),
	}
	fetcher := &fakeFetcher{detail: detail}
	rig := newRig(t, fetcher, func(cfg *config.AppConfig) {
		cfg.Friends.UserIDs = []int64{100}
		cfg.Friends.NoCacheRequests = true
	})
	rig.verified(t, 100)

	req := TopicRequest{TopicID: 777, Page: 1, UserID: 100, PrivateToken: testToken, ClientIP: "ip"}

	if _, err := rig.gw.ViewTopic(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := rig.gw.ViewTopic(context.Background(), req); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if fetcher.detailCalls != 1 {
		t.Errorf("settled page must be served from the long tier even to a no-cache friend, got %d fetches", fetcher.detailCalls)
	}
}

func TestListTopics_FriendSkipsShortCacheUnlessOptedIn(t *testing.T) {
	fetcher := &fakeFetcher{list: sampleList()}
	rig := newRig(t, fetcher, func(cfg *config.AppConfig) {
		cfg.Friends.UserIDs = []int64{100}
		cfg.Friends.NoCacheRequests = true
	})
	rig.verified(t, 100)

	req := TopicsRequest{Forum: "GM", Page: 1, UserID: 100, PrivateToken: testToken, ClientIP: "ip"}

	rig.gw.ListTopics(context.Background(), req)
	rig.gw.ListTopics(context.Background(), req)
	if fetcher.listCount() != 2 {
		t.Errorf("no-cache friend should refetch, got %d fetches", fetcher.listCount())
	}

	req.UseCache = true
	rig.gw.ListTopics(context.Background(), req)
	if fetcher.listCount() != 2 {
		t.Errorf("cache=true should opt the friend back in, got %d fetches", fetcher.listCount())
	}
}

func TestListTopics_UpstreamWindowExhausted(t *testing.T) {
	fetcher := &fakeFetcher{list: sampleList()}
	rig := newRig(t, fetcher, func(cfg *config.AppConfig) {
		cfg.Limits.UpstreamAccess.Max = 2
	})
	rig.verified(t, 100)

	// Distinct pages defeat both cache and coalescing.
	for page := 1; page <= 2; page++ {
		_, err := rig.gw.ListTopics(context.Background(), TopicsRequest{
			Forum: "GM", Page: page, UserID: 100, PrivateToken: testToken, ClientIP: "ip"})
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
	}

	_, err := rig.gw.ListTopics(context.Background(), TopicsRequest{
		Forum: "GM", Page: 3, UserID: 100, PrivateToken: testToken, ClientIP: "ip"})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited on the third fetch, got %v", err)
	}
}

func TestListTopics_FriendNotCharged(t *testing.T) {
	fetcher := &fakeFetcher{list: sampleList()}
	rig := newRig(t, fetcher, func(cfg *config.AppConfig) {
		cfg.Limits.UpstreamAccess.Max = 1
		cfg.Friends.UserIDs = []int64{100}
		cfg.Friends.NoCacheRequests = true
	})
	rig.verified(t, 100)

	for page := 1; page <= 5; page++ {
		_, err := rig.gw.ListTopics(context.Background(), TopicsRequest{
			Forum: "GM", Page: page, UserID: 100, PrivateToken: testToken, ClientIP: "ip"})
		if err != nil {
			t.Fatalf("friend page %d: %v", page, err)
		}
	}
}

func TestCreateOrUpdateAccount(t *testing.T) {
	rig := newRig(t, &fakeFetcher{}, nil)

	creds, err := rig.gw.CreateOrUpdateAccount(100, testToken, "ip")
	if err != nil {
		t.Fatalf("CreateOrUpdateAccount() error: %v", err)
	}
	if creds.UserID != 100 || creds.PrivateToken != testToken {
		t.Errorf("credentials mangled: %+v", creds)
	}
	if len(creds.PublicToken) != account.TokenLength {
		t.Errorf("public token length %d", len(creds.PublicToken))
	}

	if _, err := rig.gw.CreateOrUpdateAccount(0, testToken, "ip"); !IsValidation(err) {
		t.Errorf("expected validation error for ID 0, got %v", err)
	}
	if _, err := rig.gw.CreateOrUpdateAccount(100, "short", "ip"); !IsValidation(err) {
		t.Errorf("expected validation error for short token, got %v", err)
	}
}

func TestCreateOrUpdateAccount_FriendOnly(t *testing.T) {
	rig := newRig(t, &fakeFetcher{}, func(cfg *config.AppConfig) {
		cfg.Friends.FriendOnly = true
		cfg.Friends.UserIDs = []int64{42}
	})

	if _, err := rig.gw.CreateOrUpdateAccount(100, testToken, "ip"); !errors.Is(err, ErrFriendOnly) {
		t.Errorf("expected ErrFriendOnly for a stranger, got %v", err)
	}
	if _, err := rig.gw.CreateOrUpdateAccount(42, testToken, "ip"); err != nil {
		t.Errorf("friend registration should pass, got %v", err)
	}
}

func TestCreateOrUpdateAccount_RateLimited(t *testing.T) {
	rig := newRig(t, &fakeFetcher{}, func(cfg *config.AppConfig) {
		cfg.Limits.AccountAction.Max = 2
	})

	for i := 0; i < 2; i++ {
		if _, err := rig.gw.CreateOrUpdateAccount(int64(100+i), testToken, "ip"); err != nil {
			t.Fatalf("registration %d: %v", i+1, err)
		}
	}
	if _, err := rig.gw.CreateOrUpdateAccount(999, testToken, "ip"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestVerifyAccount_FullHandshake(t *testing.T) {
	fetcher := &fakeFetcher{}
	rig := newRig(t, fetcher, nil)

	creds, err := rig.gw.CreateOrUpdateAccount(100, testToken, "ip")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// The user publishes the public token on their profile.
	fetcher.field = creds.PublicToken

	if err := rig.gw.VerifyAccount(context.Background(), 100, testToken, "ip"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	a, _ := rig.accounts.Get(100)
	if !a.Verified {
		t.Error("account not marked verified")
	}

	// A second verification of the same committed pair is an error.
	err = rig.gw.VerifyAccount(context.Background(), 100, testToken, "ip")
	if !errors.Is(err, account.ErrAlreadyVerified) {
		t.Errorf("expected ErrAlreadyVerified, got %v", err)
	}
}

func TestRaw_PathValidationAndJournal(t *testing.T) {
	fetcher := &fakeFetcher{rawBody: []byte("raw response")}
	rig := newRig(t, fetcher, nil)
	rig.verified(t, 100)

	if _, err := rig.gw.Raw(context.Background(), RawRequest{
		UserID: 100, PrivateToken: testToken, ClientIP: "ip", Path: "no-slash"}); !IsValidation(err) {
		t.Errorf("expected validation error for a relative path, got %v", err)
	}

	body, err := rig.gw.Raw(context.Background(), RawRequest{
		UserID: 100, PrivateToken: testToken, ClientIP: "ip",
		API: true, Path: "/some.aspx", Form: map[string]string{"k": "v"},
	})
	if err != nil {
		t.Fatalf("Raw() error: %v", err)
	}
	if string(body) != "raw response" {
		t.Errorf("body mangled: %q", body)
	}
	if fetcher.rawCalls != 1 {
		t.Errorf("expected 1 raw call, got %d", fetcher.rawCalls)
	}
}

func TestInvalidateCache(t *testing.T) {
	rig := newRig(t, &fakeFetcher{list: sampleList()}, nil)
	rig.verified(t, 100)

	if _, err := rig.gw.ListTopics(context.Background(), TopicsRequest{
		Forum: "GM", Page: 1, UserID: 100, PrivateToken: testToken, ClientIP: "ip"}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	deleted, err := rig.gw.InvalidateCache("GM-0", 100, testToken, "ip")
	if err != nil || !deleted {
		t.Errorf("expected deleted=true, got %v %v", deleted, err)
	}
	deleted, err = rig.gw.InvalidateCache("GM-0", 100, testToken, "ip")
	if err != nil || deleted {
		t.Errorf("expected deleted=false on a missing key, got %v %v", deleted, err)
	}
}

func TestUpstreamFailureMapping(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	rig := newRig(t, fetcher, nil)
	rig.verified(t, 100)

	_, err := rig.gw.ListTopics(context.Background(), TopicsRequest{
		Forum: "GM", Page: 1, UserID: 100, PrivateToken: testToken, ClientIP: "ip"})
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Errorf("expected ErrUpstreamFailure, got %v", err)
	}

	// A failure steps the health score down.
	if rig.gw.Ping().HealthScore >= rig.cfg.Selector.Max {
		t.Error("health score should drop after an upstream failure")
	}
}

func TestPing(t *testing.T) {
	rig := newRig(t, &fakeFetcher{list: sampleList()}, nil)

	status := rig.gw.Ping()
	if status.DownloadTime != -1 {
		t.Errorf("expected -1 before any download, got %d", status.DownloadTime)
	}
	if status.HealthScore != rig.cfg.Selector.Max {
		t.Errorf("expected pristine health score %d, got %d", rig.cfg.Selector.Max, status.HealthScore)
	}
	if status.SuccessRates == nil {
		t.Error("success rates missing")
	}
}
