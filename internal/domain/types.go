package domain

import "time"

// Task is a unit of deferred work held by the queue.
type Task struct {
	ID                string
	Type              string
	Payload           []byte
	Priority          int
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time // not-before
	VisibilityTimeout int       // seconds
	IdempotencyKey    *string
	LeaseToken        string
	LockedBy          string
	LeaseUntil        *time.Time
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskDead      = "dead"
)

// Task kinds handled by the worker pool.
const (
	TaskTransform = "content.transform"
	TaskPublish   = "item.publish"
)

// ItemPayload is the payload of both dispatch task kinds.
type ItemPayload struct {
	ItemID string `json:"item_id"`
}

type ProcessKind string

const (
	KindPost     ProcessKind = "post"
	KindComment  ProcessKind = "comment"
	KindReaction ProcessKind = "reaction"
)

func (k ProcessKind) Valid() bool {
	switch k {
	case KindPost, KindComment, KindReaction:
		return true
	}
	return false
}

type ProcessStatus string

const (
	ProcessPending ProcessStatus = "pending"
	ProcessRunning ProcessStatus = "running"
	ProcessSuccess ProcessStatus = "success"
	ProcessError   ProcessStatus = "error"
)

type ReactionType string

const (
	ReactionLike   ReactionType = "like"
	ReactionLove   ReactionType = "love"
	ReactionCare   ReactionType = "care"
	ReactionAngry  ReactionType = "angry"
	ReactionHaha   ReactionType = "haha"
	ReactionSad    ReactionType = "sad"
	ReactionRandom ReactionType = "random"
)

// ConcreteReactions lists the reaction types a platform accepts.
var ConcreteReactions = []ReactionType{ReactionLike, ReactionLove, ReactionCare, ReactionAngry, ReactionHaha, ReactionSad}

func (r ReactionType) Valid() bool {
	if r == ReactionRandom {
		return true
	}
	for _, c := range ConcreteReactions {
		if r == c {
			return true
		}
	}
	return false
}

// Process is a user-submitted batch that expands into one DispatchItem per recipient.
type Process struct {
	ID           string        `json:"id"`
	Kind         ProcessKind   `json:"kind"`
	Name         string        `json:"name"`
	Text         string        `json:"text"`
	ObjectID     string        `json:"object_id,omitempty"`
	Reaction     ReactionType  `json:"reaction,omitempty"`
	ScheduledFor *time.Time    `json:"scheduled_for"`
	Interval     *int          `json:"interval"`
	RangeStart   *int          `json:"interval_range_start"`
	RangeEnd     *int          `json:"interval_range_end"`
	UseAI        bool          `json:"use_ai"`
	AIModel      string        `json:"ai_model,omitempty"`
	Status       ProcessStatus `json:"status"`
	Active       bool          `json:"active"`
	CreatedAt    time.Time     `json:"created_at"`
}

type RecipientKind string

const (
	RecipientPage  RecipientKind = "page"
	RecipientGroup RecipientKind = "group"
	RecipientUser  RecipientKind = "user"
)

func (k RecipientKind) Valid() bool {
	switch k {
	case RecipientPage, RecipientGroup, RecipientUser:
		return true
	}
	return false
}

// Recipient is a page, group or user an item is dispatched to or on behalf of.
type Recipient struct {
	ID          string        `json:"id"`
	Kind        RecipientKind `json:"kind"`
	Name        string        `json:"name"`
	PlatformID  string        `json:"platform_id"`
	AccessToken string        `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Credential is what the IdentityProvider hands to the publisher.
type Credential struct {
	AccessToken string
	PlatformID  string
}

// DispatchItem is one scheduled action against a single recipient.
type DispatchItem struct {
	ID           string      `json:"id"`
	ProcessID    string      `json:"process_id"`
	RecipientID  string      `json:"recipient_id"`
	Kind         ProcessKind `json:"kind"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Status       ItemStatus  `json:"status"`
	Content      string      `json:"content"`
	PlatformID   *string     `json:"platform_id"`
	Error        string      `json:"error,omitempty"`
	LeaseToken   string      `json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
	PublishedAt  *time.Time  `json:"published_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
