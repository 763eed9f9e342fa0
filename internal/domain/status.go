package domain

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemQueued    ItemStatus = "queued"
	ItemRunning   ItemStatus = "running"
	ItemPublished ItemStatus = "published"
	ItemError     ItemStatus = "error"
)

func (s ItemStatus) rank() int {
	switch s {
	case ItemPending:
		return 0
	case ItemQueued:
		return 1
	case ItemRunning:
		return 2
	case ItemPublished, ItemError:
		return 3
	}
	return -1
}

func (s ItemStatus) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transition is allowed.
func (s ItemStatus) Terminal() bool { return s == ItemPublished || s == ItemError }

// CanAdvance reports whether an item may move from s to next.
// Statuses only move forward; running -> running is allowed so a task
// redelivered after a lost lease can reclaim its own item.
func (s ItemStatus) CanAdvance(next ItemStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if s == ItemRunning && next == ItemRunning {
		return true
	}
	return next.rank() > s.rank()
}

// Predecessors returns every status from which next is reachable.
func Predecessors(next ItemStatus) []ItemStatus {
	var out []ItemStatus
	for _, s := range []ItemStatus{ItemPending, ItemQueued, ItemRunning} {
		if s.CanAdvance(next) {
			out = append(out, s)
		}
	}
	return out
}
