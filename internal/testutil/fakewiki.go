package testutil

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"unicode"
	"unicode/utf8"
)

const (
	// FakeCSRFToken is the edit token handed out by FakeWiki
	FakeCSRFToken = "fake-csrf+\\"
	// FakeLoginToken is the login token handed out by FakeWiki
	FakeLoginToken = "fake-login+\\"

	sessionCookie = "fakewiki_session"
)

type fakeRevision struct {
	id      int64
	title   string
	content string
	user    string
	comment string
}

// FakeWiki is an in-memory api.php good enough to drive the sync engine
// and the CLI end to end
type FakeWiki struct {
	// URL is the api.php endpoint once started
	URL string

	mu         sync.Mutex
	pages      map[string][]int64
	revisions  map[int64]fakeRevision
	categories map[string][]string
	users      map[string]string
	sessions   map[string]string
	nextRev    int64
	editCalls  int

	// DenyEdits makes every edit fail with permissiondenied
	DenyEdits bool
	// PostProcess rewrites saved text the way a wiki canonicalizes markup
	PostProcess func(string) string
	// CategoryBatch caps members per categorymembers response (0 uses cmlimit)
	CategoryBatch int
}

// NewFakeWiki creates an empty wiki whose first revision id will be 1
func NewFakeWiki() *FakeWiki {
	return &FakeWiki{
		pages:      make(map[string][]int64),
		revisions:  make(map[int64]fakeRevision),
		categories: make(map[string][]string),
		users:      make(map[string]string),
		sessions:   make(map[string]string),
		nextRev:    1,
	}
}

// StartFakeWiki serves a new FakeWiki until the test finishes
func StartFakeWiki(t testing.TB) *FakeWiki {
	t.Helper()
	w := NewFakeWiki()
	srv := httptest.NewServer(w)
	t.Cleanup(srv.Close)
	w.URL = srv.URL + "/api.php"
	return w
}

// NormalizeTitle applies the wiki's title canonicalization
func NormalizeTitle(title string) string {
	title = strings.TrimSpace(strings.ReplaceAll(title, "_", " "))
	r, size := utf8.DecodeRuneInString(title)
	if r == utf8.RuneError {
		return title
	}
	return string(unicode.ToUpper(r)) + title[size:]
}

// SetPage stores a new revision directly and returns its id
func (w *FakeWiki) SetPage(title, content, user string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saveLocked(NormalizeTitle(title), content, user, "")
}

func (w *FakeWiki) saveLocked(title, content, user, comment string) int64 {
	id := w.nextRev
	w.nextRev++
	w.revisions[id] = fakeRevision{id: id, title: title, content: content, user: user, comment: comment}
	w.pages[title] = append(w.pages[title], id)
	return id
}

// SkipRevisions advances the revision counter, as edits to other pages would
func (w *FakeWiki) SkipRevisions(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextRev += n
}

// Page returns the latest content and revision of title
func (w *FakeWiki) Page(title string) (string, int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rev, ok := w.latestLocked(NormalizeTitle(title))
	return rev.content, rev.id, ok
}

// Revisions returns how many revisions title has
func (w *FakeWiki) Revisions(title string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pages[NormalizeTitle(title)])
}

func (w *FakeWiki) latestLocked(title string) (fakeRevision, bool) {
	ids := w.pages[title]
	if len(ids) == 0 {
		return fakeRevision{}, false
	}
	return w.revisions[ids[len(ids)-1]], true
}

// AddToCategory records titles as members of category ("Category:..." form)
func (w *FakeWiki) AddToCategory(category string, titles ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	category = NormalizeTitle(category)
	for _, t := range titles {
		w.categories[category] = append(w.categories[category], NormalizeTitle(t))
	}
	sort.Strings(w.categories[category])
}

// AddUser registers credentials accepted by action=login
func (w *FakeWiki) AddUser(name, password string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.users[name] = password
}

// EditCalls returns the number of action=edit requests received
func (w *FakeWiki) EditCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.editCalls
}

// ServeHTTP implements http.Handler
func (w *FakeWiki) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, "bad form", http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var resp map[string]any
	switch r.Form.Get("action") {
	case "query":
		resp = w.handleQuery(r)
	case "edit":
		if r.Method != http.MethodPost {
			resp = apiError("mustbeposted", "The edit module requires a POST request.")
			break
		}
		resp = w.handleEdit(r)
	case "login":
		resp = w.handleLogin(rw, r)
	case "logout":
		resp = w.handleLogout(rw, r)
	default:
		resp = apiError("badvalue", "Unrecognized value for parameter action.")
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

func apiError(code, info string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "info": info}}
}

func (w *FakeWiki) userLocked(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if name, ok := w.sessions[c.Value]; ok {
			return name
		}
	}
	return "127.0.0.1"
}

func (w *FakeWiki) pageEntry(title string, withRevision bool) map[string]any {
	rev, ok := w.latestLocked(title)
	if !ok {
		return map[string]any{"title": title, "missing": true}
	}
	entry := map[string]any{"title": title, "lastrevid": rev.id}
	if withRevision {
		entry["revisions"] = []any{revisionEntry(rev)}
	}
	return entry
}

func revisionEntry(rev fakeRevision) map[string]any {
	return map[string]any{
		"revid":   rev.id,
		"user":    rev.user,
		"comment": rev.comment,
		"slots": map[string]any{
			"main": map[string]any{"contentmodel": "wikitext", "content": rev.content},
		},
	}
}

func (w *FakeWiki) handleQuery(r *http.Request) map[string]any {
	query := map[string]any{}
	resp := map[string]any{"batchcomplete": true, "query": query}
	withRevisions := strings.Contains(r.Form.Get("prop"), "revisions")

	if r.Form.Get("meta") == "tokens" {
		tokens := map[string]any{}
		for _, t := range strings.Split(r.Form.Get("type"), "|") {
			switch t {
			case "login":
				tokens["logintoken"] = FakeLoginToken
			default:
				tokens["csrftoken"] = FakeCSRFToken
			}
		}
		query["tokens"] = tokens
	}

	if titles := r.Form.Get("titles"); titles != "" {
		var normalized []any
		var pages []any
		seen := map[string]bool{}
		for _, raw := range strings.Split(titles, "|") {
			title := NormalizeTitle(raw)
			if title != raw {
				normalized = append(normalized, map[string]any{"from": raw, "to": title})
			}
			if seen[title] {
				continue
			}
			seen[title] = true
			pages = append(pages, w.pageEntry(title, withRevisions))
		}
		if normalized != nil {
			query["normalized"] = normalized
		}
		query["pages"] = pages
	}

	if revids := r.Form.Get("revids"); revids != "" {
		var pages []any
		bad := map[string]any{}
		for _, raw := range strings.Split(revids, "|") {
			id, _ := strconv.ParseInt(raw, 10, 64)
			rev, ok := w.revisions[id]
			if !ok {
				bad[raw] = map[string]any{"revid": id, "missing": true}
				continue
			}
			pages = append(pages, map[string]any{
				"title":     rev.title,
				"revisions": []any{revisionEntry(rev)},
			})
		}
		if len(bad) > 0 {
			query["badrevids"] = bad
		}
		query["pages"] = pages
	}

	if r.Form.Get("list") == "categorymembers" {
		members := w.categories[NormalizeTitle(r.Form.Get("cmtitle"))]
		limit, _ := strconv.Atoi(r.Form.Get("cmlimit"))
		if w.CategoryBatch > 0 && (limit <= 0 || w.CategoryBatch < limit) {
			limit = w.CategoryBatch
		}
		if limit <= 0 {
			limit = 10
		}

		start := 0
		if cont := r.Form.Get("cmcontinue"); cont != "" {
			start, _ = strconv.Atoi(strings.TrimPrefix(cont, "page|"))
		}
		end := start + limit
		if end > len(members) {
			end = len(members)
		}

		list := []any{}
		for _, m := range members[start:end] {
			list = append(list, map[string]any{"ns": 0, "title": m})
		}
		query["categorymembers"] = list

		if end < len(members) {
			delete(resp, "batchcomplete")
			resp["continue"] = map[string]any{
				"cmcontinue": "page|" + strconv.Itoa(end),
				"continue":   "-||",
			}
		}
	}

	return resp
}

func (w *FakeWiki) handleEdit(r *http.Request) map[string]any {
	w.editCalls++

	if r.Form.Get("token") != FakeCSRFToken {
		return apiError("badtoken", "Invalid CSRF token.")
	}
	if w.DenyEdits {
		return apiError("permissiondenied", "You do not have permission to edit this page.")
	}

	title := NormalizeTitle(r.Form.Get("title"))
	text := r.Form.Get("text")

	if want := r.Form.Get("md5"); want != "" {
		sum := md5.Sum([]byte(text))
		if hex.EncodeToString(sum[:]) != want {
			return apiError("badmd5", "The supplied MD5 hash was incorrect.")
		}
	}

	latest, exists := w.latestLocked(title)
	if !exists && r.Form.Has("nocreate") {
		return apiError("missingtitle", "The page you specified doesn't exist.")
	}
	if exists && r.Form.Has("createonly") {
		return apiError("articleexists", "The article you tried to create has been created already.")
	}
	if base := r.Form.Get("baserevid"); base != "" && exists {
		if id, _ := strconv.ParseInt(base, 10, 64); id != latest.id {
			return apiError("editconflict", "Edit conflict.")
		}
	}

	if w.PostProcess != nil {
		text = w.PostProcess(text)
	}

	if exists && latest.content == text {
		return map[string]any{"edit": map[string]any{
			"result":   "Success",
			"title":    title,
			"nochange": true,
		}}
	}

	id := w.saveLocked(title, text, w.userLocked(r), r.Form.Get("summary"))
	edit := map[string]any{
		"result":   "Success",
		"title":    title,
		"newrevid": id,
	}
	if exists {
		edit["oldrevid"] = latest.id
	} else {
		edit["new"] = true
		edit["oldrevid"] = 0
	}

	return map[string]any{"edit": edit}
}

func (w *FakeWiki) handleLogin(rw http.ResponseWriter, r *http.Request) map[string]any {
	if r.Form.Get("lgtoken") != FakeLoginToken {
		return map[string]any{"login": map[string]any{"result": "WrongToken"}}
	}

	name := r.Form.Get("lgname")
	password, ok := w.users[name]
	if !ok || password != r.Form.Get("lgpassword") {
		return map[string]any{"login": map[string]any{
			"result": "Failed",
			"reason": "Incorrect username or password entered.",
		}}
	}

	session := "s" + strconv.Itoa(len(w.sessions)+1)
	w.sessions[session] = name
	http.SetCookie(rw, &http.Cookie{Name: sessionCookie, Value: session, Path: "/"})

	return map[string]any{"login": map[string]any{"result": "Success", "lgusername": name}}
}

func (w *FakeWiki) handleLogout(rw http.ResponseWriter, r *http.Request) map[string]any {
	if r.Form.Get("token") != FakeCSRFToken {
		return apiError("badtoken", "Invalid CSRF token.")
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		delete(w.sessions, c.Value)
	}
	http.SetCookie(rw, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	return map[string]any{}
}
