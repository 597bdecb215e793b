package sync

import "fmt"

// Kind classifies what happened to one page during an operation
type Kind int

const (
	Pulled Kind = iota
	Committed
	NoChange
	Added
	Removed
	Reverted
	Touched
	Skipped
	Failed
)

func (k Kind) String() string {
	switch k {
	case Pulled:
		return "pulled"
	case Committed:
		return "committed"
	case NoChange:
		return "no change"
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Reverted:
		return "reverted"
	case Touched:
		return "touched"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the per-page result of an operation. Err is set for Skipped
// and Failed outcomes.
type Outcome struct {
	Page     string
	File     string
	Kind     Kind
	Err      error
	Revision int64
}

// OK reports whether the page was handled without error
func (o Outcome) OK() bool {
	return o.Kind != Skipped && o.Kind != Failed
}

// Summary counts outcomes per kind
func Summary(outcomes []Outcome) map[Kind]int {
	counts := make(map[Kind]int)
	for _, o := range outcomes {
		counts[o.Kind]++
	}
	return counts
}
