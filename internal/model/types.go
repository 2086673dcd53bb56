// Package model defines core data types shared across the application.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 (time-ordered) identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback: random v4.
		return uuid.New().String()
	}
	return id.String()
}

// SyncState describes what an account's scheduler is currently doing.
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateSyncing SyncState = "syncing"
	SyncStateError   SyncState = "error"
)

// AccountState is the persisted per-account sync state (account.json).
// The scheduler for the account is its single writer.
type AccountState struct {
	Email               string     `json:"email"`
	LastSync            *time.Time `json:"last_sync"`
	LastUID             uint64     `json:"last_uid"`
	SyncDepthDays       int        `json:"sync_depth_days"`
	PollIntervalSeconds int        `json:"poll_interval_seconds"`
	SyncState           SyncState  `json:"sync_state"`
}

// DefaultAccountState returns the initial state for a freshly connected account.
func DefaultAccountState(email string) AccountState {
	return AccountState{
		Email:               email,
		SyncDepthDays:       30,
		PollIntervalSeconds: 60,
		SyncState:           SyncStateIdle,
	}
}

// Address is an email address with an optional display name.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// ParticipantRole marks whether an address belongs to the owning account.
type ParticipantRole string

const (
	RoleSelf     ParticipantRole = "self"
	RoleExternal ParticipantRole = "external"
)

// Participant is an address seen on a thread, tagged with its role.
type Participant struct {
	Email string          `json:"email"`
	Name  string          `json:"name,omitempty"`
	Role  ParticipantRole `json:"role"`
}

// Attachment describes a file attached to a message. Files beyond the
// size limit are recorded with Skipped=true and no bytes on disk.
type Attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// ThreadMeta is the per-thread metadata persisted as thread.json.
type ThreadMeta struct {
	ID             string        `json:"id"`
	Subject        string        `json:"subject"`
	Labels         []string      `json:"labels"`
	Unread         bool          `json:"unread"`
	Starred        bool          `json:"starred"`
	Participants   []Participant `json:"participants"`
	FirstDate      time.Time     `json:"first_date"`
	LastDate       time.Time     `json:"last_date"`
	MessageCount   int           `json:"message_count"`
	HasAttachments bool          `json:"has_attachments"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
}

// ThreadIndexEntry is the denormalized projection of a thread stored in
// threads.jsonl, optimized for grep.
type ThreadIndexEntry struct {
	ID             string   `json:"id"`
	Subject        string   `json:"subject"`
	From           string   `json:"from"`
	FromName       string   `json:"from_name,omitempty"`
	Participants   []string `json:"participants"`
	Labels         []string `json:"labels"`
	Unread         bool     `json:"unread"`
	Starred        bool     `json:"starred"`
	MsgCount       int      `json:"msg_count"`
	LastDate       string   `json:"last_date"`
	FirstDate      string   `json:"first_date"`
	Snippet        string   `json:"snippet"`
	HasAttachments bool     `json:"has_attachments"`
	SizeBytes      int64    `json:"size_bytes"`
}

// ContactEntry is one record per unique external sender (contacts.jsonl).
type ContactEntry struct {
	Email        string   `json:"email"`
	Name         string   `json:"name,omitempty"`
	FirstSeen    string   `json:"first_seen"`
	LastSeen     string   `json:"last_seen"`
	MsgCount     int      `json:"msg_count"`
	CommonLabels []string `json:"common_labels,omitempty"`
	IsFrequent   bool     `json:"is_frequent"`
}

// Frontmatter carries the YAML header of a message .md file.
type Frontmatter struct {
	ID              string    `yaml:"id"`
	MessageID       string    `yaml:"message_id"`
	ThreadID        string    `yaml:"thread_id"`
	RFC822MessageID string    `yaml:"rfc822_message_id"`
	InReplyTo       string    `yaml:"in_reply_to"`
	References      []string  `yaml:"references"`
	From            Address   `yaml:"from"`
	To              []Address `yaml:"to"`
	Cc              []Address `yaml:"cc"`
	Date            time.Time `yaml:"date"`
	UID             uint64    `yaml:"uid"`
}

// DraftAction distinguishes a fresh composition from a threaded reply.
type DraftAction string

const (
	ActionCompose DraftAction = "compose"
	ActionReply   DraftAction = "reply"
)

// DraftStatus is the outbox lifecycle state of a draft.
type DraftStatus string

const (
	StatusPendingReview DraftStatus = "pending_review"
	StatusReadyToSend   DraftStatus = "ready_to_send"
	StatusSending       DraftStatus = "sending"
	StatusSent          DraftStatus = "sent"
	StatusFailed        DraftStatus = "failed"
)

// DraftAttachment references a local file to attach to an outgoing message.
type DraftAttachment struct {
	Filename string `json:"filename" validate:"required"`
	Path     string `json:"path" validate:"required"`
	Mime     string `json:"mime,omitempty"`
}

// Draft is an outbound message dropped into outbox/ as JSON. Terminal
// transitions add SentAt/ProviderMessageID or FailedAt/Error.
type Draft struct {
	Action      DraftAction       `json:"action" validate:"required,oneof=compose reply"`
	ThreadID    string            `json:"thread_id,omitempty" validate:"required_if=Action reply"`
	To          []string          `json:"to" validate:"required,min=1,dive,contains=@"`
	Cc          []string          `json:"cc,omitempty" validate:"omitempty,dive,contains=@"`
	Subject     string            `json:"subject" validate:"required"`
	Body        string            `json:"body" validate:"required"`
	Attachments []DraftAttachment `json:"attachments,omitempty" validate:"omitempty,dive"`
	CreatedAt   string            `json:"created_at,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
	Status      DraftStatus       `json:"status" validate:"required,oneof=pending_review ready_to_send sending sent failed"`

	SentAt            string `json:"sent_at,omitempty"`
	FailedAt          string `json:"failed_at,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

// SendResult is what the SMTP sender reports back on success.
type SendResult struct {
	ProviderMessageID string `json:"provider_message_id"`
}

// SyncKind names the three sync passes.
type SyncKind string

const (
	SyncFull        SyncKind = "full"
	SyncIncremental SyncKind = "incremental"
	SyncUnread      SyncKind = "unread"
)

// SyncJob is a sync pass tracked in the per-account SQLite journal.
type SyncJob struct {
	ID              string     `json:"id"`
	Account         string     `json:"account"`
	Kind            SyncKind   `json:"kind"`
	Status          JobStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ThreadsTouched  int        `json:"threads_touched"`
	MessagesWritten int        `json:"messages_written"`
	Error           string     `json:"error,omitempty"`
}

// JobStatus is the state of a journaled sync job.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Config is the daemon configuration (config.json).
type Config struct {
	ReviewBeforeSend bool     `json:"review_before_send"`
	Accounts         []string `json:"accounts"`
}

// SelfRole returns RoleSelf when addr belongs to the given account.
func SelfRole(addr, account string) ParticipantRole {
	if strings.EqualFold(strings.TrimSpace(addr), strings.TrimSpace(account)) {
		return RoleSelf
	}
	return RoleExternal
}
