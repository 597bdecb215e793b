// Package mediawiki talks to a wiki's api.php endpoint.
package mediawiki

import (
	"context"
	"fmt"
)

// Client provides the remote operations the sync engine relies on
type Client interface {
	// FetchPages returns the latest revision of each title, in request order
	FetchPages(ctx context.Context, titles []string) ([]FetchResult, error)
	// FetchRevision returns the content of a specific revision
	FetchRevision(ctx context.Context, revision int64) (FetchResult, error)
	// CategoryMembers returns one batch of category members and the token
	// for the next batch ("" when done)
	CategoryMembers(ctx context.Context, category, cont string) ([]string, string, error)
	// EditToken acquires an edit token together with the page's current revision
	EditToken(ctx context.Context, title string) (EditToken, error)
	// Edit pushes new page text
	Edit(ctx context.Context, req EditRequest) (EditResult, error)
	// Login establishes an authenticated session
	Login(ctx context.Context, username, password string) error
	// Logout ends the session
	Logout(ctx context.Context) error
}

// FetchResult is the latest state of one page as reported by the wiki
type FetchResult struct {
	// Title is the title as requested, before wiki normalization
	Title string
	// Canonical is the title the wiki stores the page under
	Canonical string
	Missing   bool
	Revision  int64
	Content   string
	Author    string
	Comment   string
}

// EditToken authorizes one edit and carries the revision that was current
// when it was issued (0 for pages that do not exist yet)
type EditToken struct {
	Token           string
	CurrentRevision int64
}

// EditRequest describes a single page write
type EditRequest struct {
	Title   string
	Token   string
	Text    string
	MD5     string
	Summary string
	// BaseRevision lets the wiki detect conflicting edits; 0 omits it
	BaseRevision int64
	Bot          bool
	Watch        bool
	// NoCreate refuses to create the page if it does not exist
	NoCreate bool
	// CreateOnly refuses to overwrite a page that already exists
	CreateOnly bool
}

// EditOutcome tags the variant of an EditResult
type EditOutcome int

const (
	EditSuccess EditOutcome = iota
	EditNoChange
	EditConflict
	EditPermissionDenied
	EditFailed
)

func (o EditOutcome) String() string {
	switch o {
	case EditSuccess:
		return "success"
	case EditNoChange:
		return "nochange"
	case EditConflict:
		return "conflict"
	case EditPermissionDenied:
		return "permission denied"
	case EditFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// EditResult is the decoded response to an edit
type EditResult struct {
	Outcome     EditOutcome
	OldRevision int64
	NewRevision int64
	// Message carries the wiki's explanation for non-success outcomes
	Message string
}

// APIError is an error object returned by api.php
type APIError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Info)
}
