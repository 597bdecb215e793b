package sync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/schaermu/mwsync/internal/mediawiki"
	"github.com/schaermu/mwsync/internal/repo"
)

const (
	// FetchBatchSize is the number of titles requested per fetch
	FetchBatchSize = 25
	// MaxContinuationRounds bounds category paging
	MaxContinuationRounds = 50
)

// Engine runs the synchronization operations between a repository and a wiki
type Engine struct {
	repo         *repo.Repository
	remote       mediawiki.Client
	logger       *slog.Logger
	editInterval time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a new sync engine. editInterval is the minimum spacing
// between successive pushes of one commit.
func NewEngine(r *repo.Repository, remote mediawiki.Client, logger *slog.Logger, editInterval time.Duration) *Engine {
	return &Engine{
		repo:         r,
		remote:       remote,
		logger:       logger,
		editInterval: editInterval,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// CommitOptions are passed through to every edit of a commit
type CommitOptions struct {
	Summary string
	Bot     bool
	Watch   bool
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func checksum(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Pull fetches the latest revision of each page into its working file and
// record. With no pages, every tracked file in the working directory is
// pulled. Pages with local changes are skipped.
func (e *Engine) Pull(ctx context.Context, pages []string) ([]Outcome, error) {
	list, err := e.repo.StatusOf(nil)
	if err != nil {
		return nil, err
	}

	paths := pagePaths(list)

	if len(pages) == 0 {
		for _, entry := range list {
			if entry.Status != repo.Untracked {
				pages = append(pages, entry.Page)
			}
		}
		if len(pages) == 0 {
			e.logger.Info("no tracked pages to pull")
			return nil, nil
		}
	}

	return e.pull(ctx, pages, paths)
}

// pagePaths maps each page to the first scanned file for it, which is the
// file pull writes
func pagePaths(list repo.StatusList) map[string]string {
	paths := make(map[string]string, len(list))
	for _, entry := range list {
		if _, ok := paths[entry.Page]; !ok {
			paths[entry.Page] = entry.Path
		}
	}
	return paths
}

// pull fetches pages in batches. paths maps page names to the working file
// to write; pages not in it go to their default location.
func (e *Engine) pull(ctx context.Context, pages []string, paths map[string]string) ([]Outcome, error) {
	pages = dedupe(pages)
	e.logger.Info("pulling pages", "count", len(pages))

	var outcomes []Outcome
	for start := 0; start < len(pages); start += FetchBatchSize {
		end := start + FetchBatchSize
		if end > len(pages) {
			end = len(pages)
		}
		batch := pages[start:end]

		results, err := e.remote.FetchPages(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return outcomes, ctx.Err()
			}
			e.logger.Error("failed to fetch pages", "error", err)
			for _, page := range batch {
				outcomes = append(outcomes, Outcome{Page: page, Kind: Failed, Err: err})
			}
			continue
		}

		for _, res := range results {
			outcomes = append(outcomes, e.pullOne(res, paths))
		}
	}

	return outcomes, nil
}

func (e *Engine) pullOne(res mediawiki.FetchResult, paths map[string]string) Outcome {
	page := res.Canonical
	if page == "" {
		page = res.Title
	}

	path, ok := paths[page]
	if !ok {
		path, ok = paths[res.Title]
	}
	if !ok {
		path = e.repo.WorkingPath(page)
	}
	out := Outcome{Page: page, File: path}

	if res.Missing {
		e.logger.Warn("page does not exist, file not created", "page", page)
		out.Kind, out.Err = Skipped, ErrRemoteMissing
		return out
	}

	status, err := e.repo.Classify(path)
	if err != nil {
		out.Kind, out.Err = Failed, err
		return out
	}
	switch status {
	case repo.Added, repo.Modified:
		e.logger.Warn("skipping page with uncommitted changes", "page", page)
		out.Kind, out.Err = Skipped, ErrUncommittedChanges
		return out
	case repo.Conflicted:
		e.logger.Warn("skipping conflicted page", "page", page)
		out.Kind, out.Err = Skipped, ErrConflicted
		return out
	}

	if err := e.repo.WriteWorkingFile(path, res.Content); err != nil {
		out.Kind, out.Err = Failed, err
		return out
	}
	if err := e.repo.SetRecord(page, res.Content, res.Author, repo.Rev(res.Revision)); err != nil {
		out.Kind, out.Err = Failed, err
		return out
	}

	e.logger.Debug("pulled page", "page", page, "revision", res.Revision)
	out.Kind, out.Revision = Pulled, res.Revision
	return out
}

// PullCategory pulls every member of the given categories
func (e *Engine) PullCategory(ctx context.Context, categories []string) ([]Outcome, error) {
	var pages []string
	for _, category := range categories {
		if !strings.HasPrefix(strings.ToLower(category), "category:") {
			category = "Category:" + category
		}

		members, err := e.categoryMembers(ctx, category)
		if err != nil {
			return nil, err
		}
		e.logger.Info("listed category", "category", category, "members", len(members))
		pages = append(pages, members...)
	}

	if len(pages) == 0 {
		e.logger.Info("categories have no members")
		return nil, nil
	}

	return e.Pull(ctx, pages)
}

func (e *Engine) categoryMembers(ctx context.Context, category string) ([]string, error) {
	var members []string
	cont := ""
	for round := 0; round < MaxContinuationRounds; round++ {
		titles, next, err := e.remote.CategoryMembers(ctx, category, cont)
		if err != nil {
			return nil, err
		}
		members = append(members, titles...)
		if next == "" {
			return members, nil
		}
		cont = next
	}

	e.logger.Warn("category listing truncated", "category", category, "rounds", MaxContinuationRounds)
	return members, nil
}

// Commit pushes every added or modified file to the wiki. Edits are spaced
// by the engine's edit interval.
func (e *Engine) Commit(ctx context.Context, files []string, opts CommitOptions) ([]Outcome, error) {
	list, err := e.repo.StatusOf(files)
	if err != nil {
		return nil, err
	}

	eligible := list.Filter(repo.Added, repo.Modified)
	if len(eligible) == 0 {
		return nil, ErrNothingToCommit
	}

	// Files sharing a page share one baseline, so pushing more than one
	// of them would overwrite the earlier push without a conflict.
	perPage := make(map[string]int, len(eligible))
	for _, entry := range eligible {
		perPage[entry.Page]++
	}

	var outcomes []Outcome
	pending := make(repo.StatusList, 0, len(eligible))
	for _, entry := range eligible {
		if perPage[entry.Page] > 1 {
			e.logger.Warn("several changed files map to one page, not committing", "page", entry.Page, "file", e.repo.Rel(entry.Path))
			outcomes = append(outcomes, Outcome{Page: entry.Page, File: entry.Path, Kind: Skipped, Err: ErrNameCollision})
			continue
		}
		pending = append(pending, entry)
	}

	e.logger.Info("committing pages", "count", len(pending))

	for i, entry := range pending {
		started := e.now()
		out := e.commitOne(ctx, entry, opts)
		outcomes = append(outcomes, out)

		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		if out.Kind == Committed && i < len(pending)-1 {
			if wait := e.editInterval - e.now().Sub(started); wait > 0 {
				e.logger.Debug("waiting before next edit", "delay", wait)
				if err := e.sleep(ctx, wait); err != nil {
					return outcomes, err
				}
			}
		}
	}

	return outcomes, nil
}

func (e *Engine) commitOne(ctx context.Context, entry repo.Entry, opts CommitOptions) Outcome {
	out := Outcome{Page: entry.Page, File: entry.Path}
	fail := func(err error) Outcome {
		e.logger.Error("commit failed", "page", entry.Page, "error", err)
		out.Kind, out.Err = Failed, err
		return out
	}
	skip := func(err error) Outcome {
		e.logger.Warn("commit skipped", "page", entry.Page, "reason", err)
		out.Kind, out.Err = Skipped, err
		return out
	}

	rec, err := e.repo.Record(entry.Page)
	if err != nil {
		return fail(err)
	}
	current, err := e.repo.ReadWorkingFile(entry.Path)
	if err != nil {
		return fail(fmt.Errorf("failed to read %s: %w", e.repo.Rel(entry.Path), err))
	}
	text := repo.Normalize(current)

	tok, err := e.remote.EditToken(ctx, entry.Page)
	if err != nil {
		return fail(err)
	}

	var expected int64
	if entry.Status == repo.Modified {
		expected = *rec.Revision
		if tok.CurrentRevision != expected {
			return skip(&EditConflictError{Expected: expected, Actual: tok.CurrentRevision})
		}
	}

	req := mediawiki.EditRequest{
		Title:        entry.Page,
		Token:        tok.Token,
		Text:         text,
		MD5:          checksum(text),
		Summary:      opts.Summary,
		BaseRevision: expected,
		Bot:          opts.Bot,
		Watch:        opts.Watch,
		NoCreate:     entry.Status == repo.Modified,
		CreateOnly:   entry.Status == repo.Added,
	}

	res, err := e.remote.Edit(ctx, req)
	if err != nil {
		return fail(err)
	}

	switch res.Outcome {
	case mediawiki.EditConflict:
		actual := int64(0)
		if entry.Status == repo.Added {
			actual = tok.CurrentRevision
		}
		return skip(&EditConflictError{Expected: expected, Actual: actual})

	case mediawiki.EditPermissionDenied:
		return skip(fmt.Errorf("%w: %s", ErrPermissionDenied, res.Message))

	case mediawiki.EditFailed:
		return fail(fmt.Errorf("wiki rejected edit: %s", res.Message))

	case mediawiki.EditNoChange:
		// The wiki still holds the baseline revision, so the local text
		// only differs in what the wiki strips on save.
		baseline := text
		if entry.Status == repo.Modified {
			baseline = rec.Content
		}
		if current != baseline {
			if err := e.repo.WriteWorkingFile(entry.Path, baseline); err != nil {
				return fail(err)
			}
		}
		e.logger.Info("page unchanged on wiki", "page", entry.Page)
		out.Kind, out.Revision = NoChange, expected
		return out
	}

	if entry.Status == repo.Modified && res.OldRevision != expected {
		return skip(&EditConflictError{Expected: expected, Actual: res.OldRevision})
	}

	// Store what the wiki actually saved, which may differ after
	// server-side canonicalization.
	content, author := text, rec.Author
	fetched, err := e.remote.FetchRevision(ctx, res.NewRevision)
	if err != nil {
		e.logger.Warn("failed to re-fetch committed revision", "page", entry.Page, "revision", res.NewRevision, "error", err)
	} else {
		content, author = fetched.Content, fetched.Author
	}

	if err := e.repo.WriteWorkingFile(entry.Path, content); err != nil {
		return fail(err)
	}
	if err := e.repo.SetRecord(entry.Page, content, author, repo.Rev(res.NewRevision)); err != nil {
		return fail(err)
	}

	e.logger.Info("committed page", "page", entry.Page, "revision", res.NewRevision)
	out.Kind, out.Revision = Committed, res.NewRevision
	return out
}

// Revert discards local changes: added files are removed, modified and
// missing files are restored from the wiki. Conflicted files are left alone.
func (e *Engine) Revert(ctx context.Context, files []string) ([]Outcome, error) {
	list, err := e.repo.StatusOf(files)
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	var restore []string
	paths := make(map[string]string)

	for _, entry := range list {
		switch entry.Status {
		case repo.Conflicted:
			outcomes = append(outcomes, Outcome{Page: entry.Page, File: entry.Path, Kind: Skipped, Err: ErrConflicted})

		case repo.Added:
			if err := e.repo.RemoveWorkingFile(entry.Path); err != nil {
				outcomes = append(outcomes, Outcome{Page: entry.Page, File: entry.Path, Kind: Failed, Err: err})
				continue
			}
			outcomes = append(outcomes, Outcome{Page: entry.Page, File: entry.Path, Kind: Reverted})

		case repo.Modified, repo.Missing:
			if err := e.repo.RemoveWorkingFile(entry.Path); err != nil {
				outcomes = append(outcomes, Outcome{Page: entry.Page, File: entry.Path, Kind: Failed, Err: err})
				continue
			}
			restore = append(restore, entry.Page)
			paths[entry.Page] = entry.Path
		}
	}

	if len(restore) == 0 {
		return outcomes, nil
	}

	pulled, err := e.pull(ctx, restore, paths)
	for _, out := range pulled {
		if out.Kind == Pulled {
			out.Kind = Reverted
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, err
}

// Add starts tracking untracked files. The pages are created on the wiki by
// the next commit.
func (e *Engine) Add(files []string) ([]Outcome, error) {
	list, err := e.repo.StatusOf(files)
	if err != nil {
		return nil, err
	}

	scanned := list
	if len(files) > 0 {
		if scanned, err = e.repo.StatusOf(nil); err != nil {
			return nil, err
		}
	}
	paths := pagePaths(scanned)

	claimed := make(map[string]string)
	var outcomes []Outcome
	for _, entry := range list {
		out := Outcome{Page: entry.Page, File: entry.Path}

		if entry.Status != repo.Untracked {
			tracked, ok := paths[entry.Page]
			if !ok {
				tracked = e.repo.WorkingPath(entry.Page)
			}
			out.Kind = Skipped
			if entry.Path != tracked {
				out.Err = ErrNameCollision
			} else {
				out.Err = ErrAlreadyTracked
			}
			outcomes = append(outcomes, out)
			continue
		}

		exists, err := e.repo.Exists(entry.Path)
		if err != nil {
			out.Kind, out.Err = Failed, err
			outcomes = append(outcomes, out)
			continue
		}
		if !exists {
			out.Kind, out.Err = Failed, fmt.Errorf("%s: %w", e.repo.Rel(entry.Path), os.ErrNotExist)
			outcomes = append(outcomes, out)
			continue
		}

		if other, ok := claimed[entry.Page]; ok {
			e.logger.Warn("page name already claimed", "page", entry.Page, "file", e.repo.Rel(other))
			out.Kind, out.Err = Skipped, ErrNameCollision
			outcomes = append(outcomes, out)
			continue
		}

		if err := e.repo.SetRecord(entry.Page, "", "", nil); err != nil {
			out.Kind, out.Err = Failed, err
			outcomes = append(outcomes, out)
			continue
		}

		claimed[entry.Page] = entry.Path
		out.Kind = Added
		outcomes = append(outcomes, out)
	}

	return outcomes, nil
}

// Clean deletes the records of pages whose working file no longer exists
func (e *Engine) Clean() ([]Outcome, error) {
	list, err := e.repo.StatusOf(nil)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(list))
	for _, entry := range list {
		present[entry.Page] = true
	}

	pages, err := e.repo.Records()
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	for _, page := range pages {
		if present[page] {
			continue
		}
		out := Outcome{Page: page, File: e.repo.WorkingPath(page), Kind: Removed}
		if err := e.repo.DeleteRecord(page); err != nil && !errors.Is(err, repo.ErrNoSuchRecord) {
			out.Kind, out.Err = Failed, err
		}
		outcomes = append(outcomes, out)
	}

	return outcomes, nil
}

// Touch performs a null edit on each page so the wiki re-renders it
func (e *Engine) Touch(ctx context.Context, pages []string) ([]Outcome, error) {
	pages = dedupe(pages)

	var outcomes []Outcome
	for start := 0; start < len(pages); start += FetchBatchSize {
		end := start + FetchBatchSize
		if end > len(pages) {
			end = len(pages)
		}

		results, err := e.remote.FetchPages(ctx, pages[start:end])
		if err != nil {
			return outcomes, err
		}

		for _, res := range results {
			outcomes = append(outcomes, e.touchOne(ctx, res))
			if err := ctx.Err(); err != nil {
				return outcomes, err
			}
		}
	}

	return outcomes, nil
}

func (e *Engine) touchOne(ctx context.Context, res mediawiki.FetchResult) Outcome {
	page := res.Canonical
	if page == "" {
		page = res.Title
	}
	out := Outcome{Page: page, Revision: res.Revision}

	if res.Missing {
		out.Kind, out.Err = Skipped, ErrRemoteMissing
		return out
	}

	tok, err := e.remote.EditToken(ctx, page)
	if err != nil {
		out.Kind, out.Err = Failed, err
		return out
	}

	result, err := e.remote.Edit(ctx, mediawiki.EditRequest{
		Title:        page,
		Token:        tok.Token,
		Text:         res.Content,
		MD5:          checksum(res.Content),
		BaseRevision: res.Revision,
		NoCreate:     true,
	})
	if err != nil {
		out.Kind, out.Err = Failed, err
		return out
	}

	switch result.Outcome {
	case mediawiki.EditSuccess, mediawiki.EditNoChange:
		e.logger.Debug("touched page", "page", page)
		out.Kind = Touched
	case mediawiki.EditConflict:
		out.Kind, out.Err = Skipped, &EditConflictError{Expected: res.Revision}
	case mediawiki.EditPermissionDenied:
		out.Kind, out.Err = Skipped, fmt.Errorf("%w: %s", ErrPermissionDenied, result.Message)
	default:
		out.Kind, out.Err = Failed, fmt.Errorf("wiki rejected edit: %s", result.Message)
	}
	return out
}

func dedupe(pages []string) []string {
	seen := make(map[string]bool, len(pages))
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
