// Package upstream fetches from the two third-party surfaces: the JSON
// mobile API and the HTML desktop site. Both are unofficial and
// unstable; callers pace requests through the throttle and feed results
// back to the selector.
package upstream

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hkgpx/hkgpx/selector"
)

const userAgent = "Mozilla/5.0"

// RawRequest is a journaled passthrough to one of the surfaces. A
// non-empty Form switches the request to a form-encoded POST.
type RawRequest struct {
	Source  selector.Source
	Path    string
	Form    map[string]string
	Cookies string
}

// Fetcher is the upstream access surface the gateway and verifier
// consume. Tests substitute a mock.
type Fetcher interface {
	TopicList(ctx context.Context, src selector.Source, forum string, page int, userID int64) (*TopicList, error)
	TopicDetail(ctx context.Context, src selector.Source, topicID int64, page int, userID int64) (*TopicDetail, error)
	ProfileField(ctx context.Context, userID int64) (string, error)
	Raw(ctx context.Context, req RawRequest) ([]byte, error)
}

type Client struct {
	apiBase      string
	desktopBase  string
	postsPerPage int
	httpClient   *http.Client
	now          func() time.Time
}

func NewClient(apiBase, desktopBase string, postsPerPage int, timeout time.Duration) *Client {
	return &Client{
		apiBase:      strings.TrimRight(apiBase, "/"),
		desktopBase:  strings.TrimRight(desktopBase, "/"),
		postsPerPage: postsPerPage,
		httpClient:   &http.Client{Timeout: timeout},
		now:          time.Now,
	}
}

// apiKey derives the dated signing key the mobile API expects.
func (c *Client) apiKey(userID int64) string {
	date := c.now().Format("20060102")
	sum := md5.Sum([]byte(fmt.Sprintf("%s_HKGOLDEN_%d_$API#1.3^", date, userID)))
	return fmt.Sprintf("%x", sum)
}

// PageWindow returns the item window the API expects for a zero-based
// page index. The first page carries one extra item for the opening
// post.
func PageWindow(pageIndex, pageSize int) (start, limit int) {
	if pageIndex == 0 {
		return 0, pageSize + 1
	}
	return pageIndex*pageSize + 1, pageSize
}

func (c *Client) TopicList(ctx context.Context, src selector.Source, forum string, page int, userID int64) (*TopicList, error) {
	if src == selector.SourceDesktop {
		body, err := c.get(ctx, fmt.Sprintf("%s/topics.aspx?type=%s&page=%d", c.desktopBase, forum, page))
		if err != nil {
			return nil, err
		}
		return NormalizeTopicListHTML(body, forum, page)
	}

	u := fmt.Sprintf("%s/newTopics.aspx?s=%s&user_id=%d&type=%s&page=%d&filtermode=N&sensormode=N&returntype=json",
		c.apiBase, c.apiKey(userID), userID, forum, page)
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	return NormalizeTopicList(body, forum, page)
}

func (c *Client) TopicDetail(ctx context.Context, src selector.Source, topicID int64, page int, userID int64) (*TopicDetail, error) {
	pageIndex := page - 1

	if src == selector.SourceDesktop {
		body, err := c.get(ctx, fmt.Sprintf("%s/view.aspx?message=%d&page=%d", c.desktopBase, topicID, page))
		if err != nil {
			return nil, err
		}
		return NormalizeTopicDetailHTML(body, topicID, pageIndex)
	}

	start, limit := PageWindow(pageIndex, c.postsPerPage)
	form := url.Values{
		"s":          {c.apiKey(userID)},
		"user_id":    {strconv.FormatInt(userID, 10)},
		"message":    {strconv.FormatInt(topicID, 10)},
		"start":      {strconv.Itoa(start)},
		"limit":      {strconv.Itoa(limit)},
		"filtermode": {"N"},
		"sensormode": {"N"},
		"returntype": {"json"},
	}
	body, err := c.postForm(ctx, c.apiBase+"/newView.aspx", form)
	if err != nil {
		return nil, err
	}
	return NormalizeTopicDetail(body, topicID, pageIndex)
}

func (c *Client) Raw(ctx context.Context, raw RawRequest) ([]byte, error) {
	base := c.apiBase
	if raw.Source == selector.SourceDesktop {
		base = c.desktopBase
	}

	var (
		req *http.Request
		err error
	)
	if len(raw.Form) > 0 {
		form := url.Values{}
		for k, v := range raw.Form {
			form.Set(k, v)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, base+raw.Path,
			strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, base+raw.Path, nil)
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", userAgent)
	if raw.Cookies != "" {
		req.Header.Set("Cookie", raw.Cookies)
	}
	return c.do(req)
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return c.do(req)
}

func (c *Client) postForm(ctx context.Context, u string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &httpError{StatusCode: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

type httpError struct {
	StatusCode int
}

func (e *httpError) Error() string {
	return http.StatusText(e.StatusCode)
}
