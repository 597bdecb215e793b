package mediawiki

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/schaermu/mwsync/internal/testutil"
)

func newTestClient(t *testing.T) (*HTTPClient, *testutil.FakeWiki) {
	t.Helper()
	wiki := testutil.StartFakeWiki(t)
	c, err := NewHTTPClient(wiki.URL, Options{UserAgent: "mwsync-test"})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return c, wiki
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestFetchPages(t *testing.T) {
	c, wiki := newTestClient(t)
	home := wiki.SetPage("Home", "Hello", "Alice")
	wiki.SetPage("Main Page", "Welcome", "Bob")

	got, err := c.FetchPages(context.Background(), []string{"Home", "main_Page", "Nowhere"})
	if err != nil {
		t.Fatal(err)
	}

	want := []FetchResult{
		{Title: "Home", Canonical: "Home", Revision: home, Content: "Hello", Author: "Alice"},
		{Title: "main_Page", Canonical: "Main Page", Revision: 2, Content: "Welcome", Author: "Bob"},
		{Title: "Nowhere", Canonical: "Nowhere", Missing: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchPages() mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchPages_Empty(t *testing.T) {
	c, _ := newTestClient(t)
	got, err := c.FetchPages(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Errorf("FetchPages(nil) = %v, %v", got, err)
	}
}

func TestFetchRevision(t *testing.T) {
	c, wiki := newTestClient(t)
	first := wiki.SetPage("Home", "v1", "Alice")
	wiki.SetPage("Home", "v2", "Bob")

	got, err := c.FetchRevision(context.Background(), first)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "v1" || got.Author != "Alice" || got.Title != "Home" {
		t.Errorf("FetchRevision() = %+v", got)
	}

	if _, err := c.FetchRevision(context.Background(), 99); err == nil {
		t.Error("expected error for unknown revision")
	}
}

func TestCategoryMembers_Continuation(t *testing.T) {
	c, wiki := newTestClient(t)
	wiki.CategoryBatch = 2
	wiki.AddToCategory("Category:Docs", "A", "B", "C")

	ctx := context.Background()
	first, cont, err := c.CategoryMembers(ctx, "Category:Docs", "")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"A", "B"}, first); diff != "" {
		t.Errorf("first batch mismatch (-want +got):\n%s", diff)
	}
	if cont == "" {
		t.Fatal("expected continuation token")
	}

	second, cont, err := c.CategoryMembers(ctx, "Category:Docs", cont)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"C"}, second); diff != "" {
		t.Errorf("second batch mismatch (-want +got):\n%s", diff)
	}
	if cont != "" {
		t.Errorf("unexpected continuation %q after last batch", cont)
	}
}

func TestEditToken(t *testing.T) {
	c, wiki := newTestClient(t)
	rev := wiki.SetPage("Home", "Hello", "Alice")

	tok, err := c.EditToken(context.Background(), "Home")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Token != testutil.FakeCSRFToken || tok.CurrentRevision != rev {
		t.Errorf("EditToken() = %+v", tok)
	}

	tok, err = c.EditToken(context.Background(), "New page")
	if err != nil {
		t.Fatal(err)
	}
	if tok.CurrentRevision != 0 {
		t.Errorf("missing page CurrentRevision = %d, want 0", tok.CurrentRevision)
	}
}

func TestEdit_Outcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		c, wiki := newTestClient(t)
		old := wiki.SetPage("Home", "Hello", "Alice")

		res, err := c.Edit(ctx, EditRequest{
			Title: "Home", Token: testutil.FakeCSRFToken, Text: "Hello world",
			MD5: md5Hex("Hello world"), BaseRevision: old, Summary: "tweak",
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != EditSuccess || res.OldRevision != old || res.NewRevision <= old {
			t.Errorf("Edit() = %+v", res)
		}
		if content, _, _ := wiki.Page("Home"); content != "Hello world" {
			t.Errorf("wiki content = %q", content)
		}
	})

	t.Run("nochange", func(t *testing.T) {
		c, wiki := newTestClient(t)
		old := wiki.SetPage("Home", "Hello", "Alice")

		res, err := c.Edit(ctx, EditRequest{Title: "Home", Token: testutil.FakeCSRFToken, Text: "Hello", BaseRevision: old})
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != EditNoChange {
			t.Errorf("Outcome = %s, want nochange", res.Outcome)
		}
	})

	t.Run("conflict", func(t *testing.T) {
		c, wiki := newTestClient(t)
		base := wiki.SetPage("Home", "Hello", "Alice")
		wiki.SetPage("Home", "Hello again", "Bob")

		res, err := c.Edit(ctx, EditRequest{Title: "Home", Token: testutil.FakeCSRFToken, Text: "Mine", BaseRevision: base})
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != EditConflict {
			t.Errorf("Outcome = %s, want conflict", res.Outcome)
		}
	})

	t.Run("permission denied", func(t *testing.T) {
		c, wiki := newTestClient(t)
		wiki.DenyEdits = true

		res, err := c.Edit(ctx, EditRequest{Title: "Home", Token: testutil.FakeCSRFToken, Text: "x"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != EditPermissionDenied || res.Message == "" {
			t.Errorf("Edit() = %+v", res)
		}
	})

	t.Run("bad md5 is a failure", func(t *testing.T) {
		c, _ := newTestClient(t)

		res, err := c.Edit(ctx, EditRequest{Title: "Home", Token: testutil.FakeCSRFToken, Text: "x", MD5: md5Hex("y")})
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != EditFailed {
			t.Errorf("Outcome = %s, want failed", res.Outcome)
		}
	})

	t.Run("nocreate", func(t *testing.T) {
		c, wiki := newTestClient(t)

		res, err := c.Edit(ctx, EditRequest{Title: "Home", Token: testutil.FakeCSRFToken, Text: "x", NoCreate: true})
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != EditFailed {
			t.Errorf("Outcome = %s, want failed", res.Outcome)
		}
		if _, _, ok := wiki.Page("Home"); ok {
			t.Error("page created despite nocreate")
		}
	})
}

func TestCall_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(srv.URL, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.FetchPages(context.Background(), []string{"Home"}); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestCall_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":"readapidenied","info":"You need read permission."}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(srv.URL, Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.FetchPages(context.Background(), []string{"Home"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "readapidenied" {
		t.Fatalf("FetchPages() error = %v, want APIError readapidenied", err)
	}
}

func TestCall_UserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{"query":{"pages":[]}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(srv.URL, Options{UserAgent: "mwsync-test/1.0"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.FetchPages(context.Background(), []string{"Home"}); err != nil {
		t.Fatal(err)
	}
	if got != "mwsync-test/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestCall_ContextCanceled(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.FetchPages(ctx, []string{"Home"}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestLoginLogout_Session(t *testing.T) {
	wiki := testutil.StartFakeWiki(t)
	wiki.AddUser("Alice@bot", "secret")
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	session, err := LoadSession(fs, "/wiki/.mw/session", wiki.URL)
	if err != nil {
		t.Fatal(err)
	}
	if session.Active() {
		t.Fatal("fresh session reports active")
	}

	c, err := NewHTTPClient(wiki.URL, Options{Jar: session.Jar})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Login(ctx, "Alice@bot", "wrong"); !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("Login() with bad password error = %v, want ErrLoginFailed", err)
	}
	if err := c.Login(ctx, "Alice@bot", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := session.Save(); err != nil {
		t.Fatal(err)
	}

	// A new process restores the cookie and edits as the logged-in user
	restored, err := LoadSession(fs, "/wiki/.mw/session", wiki.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !restored.Active() {
		t.Fatal("restored session is empty")
	}
	c2, err := NewHTTPClient(wiki.URL, Options{Jar: restored.Jar})
	if err != nil {
		t.Fatal(err)
	}
	res, err := c2.Edit(ctx, EditRequest{Title: "Home", Token: testutil.FakeCSRFToken, Text: "by alice"})
	if err != nil || res.Outcome != EditSuccess {
		t.Fatalf("Edit() = %+v, %v", res, err)
	}
	page, err := c2.FetchPages(ctx, []string{"Home"})
	if err != nil {
		t.Fatal(err)
	}
	if page[0].Author != "Alice@bot" {
		t.Errorf("author = %q, want Alice@bot", page[0].Author)
	}

	if err := c2.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := restored.Clear(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := afero.Exists(fs, "/wiki/.mw/session"); ok {
		t.Error("session file remains after Clear")
	}
	if err := restored.Clear(); err != nil {
		t.Errorf("second Clear() error = %v", err)
	}
}
