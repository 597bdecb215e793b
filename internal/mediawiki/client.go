package mediawiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// CategoryBatchSize is the number of members requested per category query
const CategoryBatchSize = 500

// maxResponseBytes bounds how much of an api.php response is read
const maxResponseBytes = 64 << 20

var ErrLoginFailed = errors.New("login failed")

// permissionCodes are api.php error codes that mean the edit was refused
// for authorization reasons rather than failing
var permissionCodes = map[string]bool{
	"permissiondenied":      true,
	"protectedpage":         true,
	"cascadeprotected":      true,
	"protectedtitle":        true,
	"blocked":               true,
	"autoblocked":           true,
	"readonly":              true,
	"noedit":                true,
	"noedit-anon":           true,
	"writeapidenied":        true,
	"cantcreate":            true,
	"cantcreate-anon":       true,
	"assertuserfailed":      true,
	"assertbotfailed":       true,
	"assertnameduserfailed": true,
}

// Options configures an HTTPClient
type Options struct {
	UserAgent string
	// RequestsPerSecond limits the request rate; zero or less means unlimited
	RequestsPerSecond float64
	// Jar holds session cookies; it is installed on the HTTP client
	Jar        http.CookieJar
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// HTTPClient implements Client against a wiki's api.php
type HTTPClient struct {
	base      *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
}

// NewHTTPClient creates a client for the given api.php URL
func NewHTTPClient(apiURL string, opts Options) (*HTTPClient, error) {
	base, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		httpClient = &copied
	}
	if opts.Jar != nil {
		httpClient.Jar = opts.Jar
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "mwsync"
	}

	return &HTTPClient{
		base:      base,
		http:      httpClient,
		limiter:   limiter,
		userAgent: userAgent,
		logger:    logger,
	}, nil
}

type apiResponse struct {
	Error    *APIError    `json:"error"`
	Continue *apiContinue `json:"continue"`
	Query    *apiQuery    `json:"query"`
	Edit     *apiEdit     `json:"edit"`
	Login    *apiLogin    `json:"login"`
}

type apiContinue struct {
	CmContinue string `json:"cmcontinue"`
}

type apiQuery struct {
	Normalized []struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"normalized"`
	Pages           []apiPage `json:"pages"`
	CategoryMembers []struct {
		Title string `json:"title"`
	} `json:"categorymembers"`
	Tokens struct {
		CSRFToken  string `json:"csrftoken"`
		LoginToken string `json:"logintoken"`
	} `json:"tokens"`
}

type apiPage struct {
	Title     string        `json:"title"`
	Missing   bool          `json:"missing"`
	Invalid   bool          `json:"invalid"`
	LastRevID int64         `json:"lastrevid"`
	Revisions []apiRevision `json:"revisions"`
}

type apiRevision struct {
	RevID   int64  `json:"revid"`
	User    string `json:"user"`
	Comment string `json:"comment"`
	Content string `json:"content"`
	Slots   struct {
		Main struct {
			Content string `json:"content"`
		} `json:"main"`
	} `json:"slots"`
}

// text returns the revision content from the main slot, falling back to
// the pre-slots location
func (r apiRevision) text() string {
	if r.Slots.Main.Content != "" {
		return r.Slots.Main.Content
	}
	return r.Content
}

type apiEdit struct {
	Result   string `json:"result"`
	NoChange bool   `json:"nochange"`
	OldRevID int64  `json:"oldrevid"`
	NewRevID int64  `json:"newrevid"`
}

type apiLogin struct {
	Result   string `json:"result"`
	Reason   string `json:"reason"`
	Username string `json:"lgusername"`
}

// call performs one api.php request. API-level errors are returned as *APIError.
func (c *HTTPClient) call(ctx context.Context, post bool, params url.Values) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("format", "json")
	params.Set("formatversion", "2")

	var req *http.Request
	var err error
	if post {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.base.String(), strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		u := *c.base
		u.RawQuery = params.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug("api request", "action", params.Get("action"), "method", req.Method)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api request failed: unexpected status %s", resp.Status)
	}

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode api response: %w", err)
	}
	if out.Error != nil {
		return &out, out.Error
	}

	return &out, nil
}

func (c *HTTPClient) query(ctx context.Context, params url.Values) (*apiQuery, *apiResponse, error) {
	params.Set("action", "query")
	resp, err := c.call(ctx, false, params)
	if err != nil {
		return nil, nil, err
	}
	if resp.Query == nil {
		return nil, nil, fmt.Errorf("api response has no query result")
	}
	return resp.Query, resp, nil
}

func revisionParams() url.Values {
	return url.Values{
		"prop":    {"revisions"},
		"rvprop":  {"ids|flags|timestamp|user|comment|content"},
		"rvslots": {"main"},
	}
}

// FetchPages returns the latest revision of each title, in request order
func (c *HTTPClient) FetchPages(ctx context.Context, titles []string) ([]FetchResult, error) {
	if len(titles) == 0 {
		return nil, nil
	}

	params := revisionParams()
	params.Set("titles", strings.Join(titles, "|"))

	q, _, err := c.query(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pages: %w", err)
	}

	normalized := make(map[string]string, len(q.Normalized))
	for _, n := range q.Normalized {
		normalized[n.From] = n.To
	}
	byTitle := make(map[string]apiPage, len(q.Pages))
	for _, p := range q.Pages {
		byTitle[p.Title] = p
	}

	results := make([]FetchResult, 0, len(titles))
	for _, title := range titles {
		key := title
		if to, ok := normalized[title]; ok {
			key = to
		}

		page, ok := byTitle[key]
		if !ok || page.Missing || page.Invalid || len(page.Revisions) == 0 {
			results = append(results, FetchResult{Title: title, Canonical: key, Missing: true})
			continue
		}

		rev := page.Revisions[0]
		results = append(results, FetchResult{
			Title:     title,
			Canonical: page.Title,
			Revision:  rev.RevID,
			Content:   rev.text(),
			Author:    rev.User,
			Comment:   rev.Comment,
		})
	}

	return results, nil
}

// FetchRevision returns the content of a specific revision
func (c *HTTPClient) FetchRevision(ctx context.Context, revision int64) (FetchResult, error) {
	params := revisionParams()
	params.Set("revids", strconv.FormatInt(revision, 10))

	q, _, err := c.query(ctx, params)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to fetch revision %d: %w", revision, err)
	}

	for _, p := range q.Pages {
		for _, rev := range p.Revisions {
			if rev.RevID == revision {
				return FetchResult{
					Title:     p.Title,
					Canonical: p.Title,
					Revision:  rev.RevID,
					Content:   rev.text(),
					Author:    rev.User,
					Comment:   rev.Comment,
				}, nil
			}
		}
	}

	return FetchResult{}, fmt.Errorf("revision %d not found", revision)
}

// CategoryMembers returns one batch of members of category
func (c *HTTPClient) CategoryMembers(ctx context.Context, category, cont string) ([]string, string, error) {
	params := url.Values{
		"list":    {"categorymembers"},
		"cmtitle": {category},
		"cmlimit": {strconv.Itoa(CategoryBatchSize)},
	}
	if cont != "" {
		params.Set("cmcontinue", cont)
		params.Set("continue", "-||")
	}

	q, resp, err := c.query(ctx, params)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list %s: %w", category, err)
	}

	titles := make([]string, 0, len(q.CategoryMembers))
	for _, m := range q.CategoryMembers {
		titles = append(titles, m.Title)
	}

	next := ""
	if resp.Continue != nil {
		next = resp.Continue.CmContinue
	}

	return titles, next, nil
}

// EditToken acquires a CSRF token and the page's current revision
func (c *HTTPClient) EditToken(ctx context.Context, title string) (EditToken, error) {
	params := url.Values{
		"meta":   {"tokens"},
		"type":   {"csrf"},
		"prop":   {"info"},
		"titles": {title},
	}

	q, _, err := c.query(ctx, params)
	if err != nil {
		return EditToken{}, fmt.Errorf("failed to get edit token for %s: %w", title, err)
	}
	if q.Tokens.CSRFToken == "" {
		return EditToken{}, fmt.Errorf("wiki returned no edit token for %s", title)
	}

	tok := EditToken{Token: q.Tokens.CSRFToken}
	if len(q.Pages) > 0 && !q.Pages[0].Missing {
		tok.CurrentRevision = q.Pages[0].LastRevID
	}

	return tok, nil
}

// Edit pushes new page text and decodes the outcome
func (c *HTTPClient) Edit(ctx context.Context, req EditRequest) (EditResult, error) {
	params := url.Values{
		"action":  {"edit"},
		"title":   {req.Title},
		"text":    {req.Text},
		"token":   {req.Token},
		"summary": {req.Summary},
	}
	if req.MD5 != "" {
		params.Set("md5", req.MD5)
	}
	if req.BaseRevision > 0 {
		params.Set("baserevid", strconv.FormatInt(req.BaseRevision, 10))
	}
	if req.Bot {
		params.Set("bot", "1")
	}
	if req.Watch {
		params.Set("watchlist", "watch")
	}
	if req.NoCreate {
		params.Set("nocreate", "1")
	}
	if req.CreateOnly {
		params.Set("createonly", "1")
	}

	resp, err := c.call(ctx, true, params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.Code == "editconflict" || apiErr.Code == "articleexists":
				return EditResult{Outcome: EditConflict, Message: apiErr.Info}, nil
			case permissionCodes[apiErr.Code]:
				return EditResult{Outcome: EditPermissionDenied, Message: apiErr.Info}, nil
			default:
				return EditResult{Outcome: EditFailed, Message: apiErr.Error()}, nil
			}
		}
		return EditResult{}, fmt.Errorf("failed to edit %s: %w", req.Title, err)
	}

	if resp.Edit == nil {
		return EditResult{}, fmt.Errorf("failed to edit %s: response has no edit result", req.Title)
	}

	if resp.Edit.Result != "Success" {
		return EditResult{Outcome: EditFailed, Message: "edit result: " + resp.Edit.Result}, nil
	}
	if resp.Edit.NoChange {
		return EditResult{Outcome: EditNoChange}, nil
	}

	return EditResult{
		Outcome:     EditSuccess,
		OldRevision: resp.Edit.OldRevID,
		NewRevision: resp.Edit.NewRevID,
	}, nil
}

// Login authenticates with a bot password or account credentials
func (c *HTTPClient) Login(ctx context.Context, username, password string) error {
	q, _, err := c.query(ctx, url.Values{"meta": {"tokens"}, "type": {"login"}})
	if err != nil {
		return fmt.Errorf("failed to get login token: %w", err)
	}

	resp, err := c.call(ctx, true, url.Values{
		"action":     {"login"},
		"lgname":     {username},
		"lgpassword": {password},
		"lgtoken":    {q.Tokens.LoginToken},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if resp.Login == nil {
		return fmt.Errorf("%w: response has no login result", ErrLoginFailed)
	}
	if resp.Login.Result != "Success" {
		return fmt.Errorf("%w: %s %s", ErrLoginFailed, resp.Login.Result, resp.Login.Reason)
	}

	c.logger.Debug("logged in", "user", resp.Login.Username)
	return nil
}

// Logout ends the current session
func (c *HTTPClient) Logout(ctx context.Context) error {
	q, _, err := c.query(ctx, url.Values{"meta": {"tokens"}, "type": {"csrf"}})
	if err != nil {
		return fmt.Errorf("failed to get logout token: %w", err)
	}

	if _, err := c.call(ctx, true, url.Values{
		"action": {"logout"},
		"token":  {q.Tokens.CSRFToken},
	}); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}
