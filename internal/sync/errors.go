package sync

import (
	"errors"
	"fmt"
)

// Per-page conditions reported in Outcome.Err. ErrNothingToCommit is
// returned by Commit itself.
var (
	ErrRemoteMissing      = errors.New("page does not exist on the wiki")
	ErrUncommittedChanges = errors.New("page has uncommitted changes")
	ErrConflicted         = errors.New("page has an unresolved conflict")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNameCollision      = errors.New("another file already tracks this page")
	ErrAlreadyTracked     = errors.New("file is already tracked")
	ErrNothingToCommit    = errors.New("nothing to commit")
	ErrEditConflict       = errors.New("edit conflict")
)

// EditConflictError reports that the wiki moved past the revision a local
// edit was based on. Actual is 0 when the wiki did not say which revision
// it has.
type EditConflictError struct {
	Expected int64
	Actual   int64
}

func (e *EditConflictError) Error() string {
	if e.Actual == 0 {
		return fmt.Sprintf("edit conflict: wiki rejected edit based on revision %d", e.Expected)
	}
	return fmt.Sprintf("edit conflict: based on revision %d, wiki has revision %d", e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrEditConflict) match
func (e *EditConflictError) Is(target error) bool {
	return target == ErrEditConflict
}
