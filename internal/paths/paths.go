// Package paths maps (base, account, thread, message) to filesystem
// locations. Every on-disk path used by the core flows through here;
// no other package concatenates corpus paths.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultBaseName is the corpus directory under the user's home.
const DefaultBaseName = ".maildeck"

// Resolver computes corpus paths rooted at a base directory.
type Resolver struct {
	base string
}

// New returns a resolver rooted at base. An empty base resolves to
// $HOME/.maildeck.
func New(base string) Resolver {
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, DefaultBaseName)
	}
	return Resolver{base: base}
}

// Base returns the corpus root.
func (r Resolver) Base() string { return r.base }

// ConfigFile returns the daemon configuration path.
func (r Resolver) ConfigFile() string { return filepath.Join(r.base, "config.json") }

// PIDFile returns the daemon PID file path.
func (r Resolver) PIDFile() string { return filepath.Join(r.base, "daemon.pid") }

// LogFile returns the shared sync log path.
func (r Resolver) LogFile() string { return filepath.Join(r.base, "logs", "sync.log") }

// AccountDir returns the subtree owned by one account.
func (r Resolver) AccountDir(account string) string {
	return filepath.Join(r.base, "accounts", SanitizeName(account))
}

// AccountStateFile returns the account.json path.
func (r Resolver) AccountStateFile(account string) string {
	return filepath.Join(r.AccountDir(account), "account.json")
}

// SignatureFile returns the optional signature.txt path.
func (r Resolver) SignatureFile(account string) string {
	return filepath.Join(r.AccountDir(account), "signature.txt")
}

// SyncJournalFile returns the per-account sync job journal (SQLite).
func (r Resolver) SyncJournalFile(account string) string {
	return filepath.Join(r.AccountDir(account), "sync.sqlite")
}

// ThreadsIndex returns the threads.jsonl path.
func (r Resolver) ThreadsIndex(account string) string {
	return filepath.Join(r.AccountDir(account), "index", "threads.jsonl")
}

// ContactsIndex returns the contacts.jsonl path.
func (r Resolver) ContactsIndex(account string) string {
	return filepath.Join(r.AccountDir(account), "index", "contacts.jsonl")
}

// ThreadDir returns the directory owned by one thread.
func (r Resolver) ThreadDir(account, threadID string) string {
	return filepath.Join(r.AccountDir(account), "threads", SanitizeName(threadID))
}

// ThreadMetaFile returns the thread.json path.
func (r Resolver) ThreadMetaFile(account, threadID string) string {
	return filepath.Join(r.ThreadDir(account, threadID), "thread.json")
}

// MessagesDir returns the messages directory of a thread.
func (r Resolver) MessagesDir(account, threadID string) string {
	return filepath.Join(r.ThreadDir(account, threadID), "messages")
}

// MessageFile returns the full path of a message markdown file.
func (r Resolver) MessageFile(account, threadID string, date time.Time, messageID string) string {
	return filepath.Join(r.MessagesDir(account, threadID), MessageFilename(date, messageID))
}

// AttachmentsDir returns the attachments directory of a thread.
func (r Resolver) AttachmentsDir(account, threadID string) string {
	return filepath.Join(r.ThreadDir(account, threadID), "attachments")
}

// AttachmentFile returns the on-disk path for an attachment, with the
// filename sanitized.
func (r Resolver) AttachmentFile(account, threadID, filename string) string {
	return filepath.Join(r.AttachmentsDir(account, threadID), SanitizeName(filename))
}

// OutboxDir returns the directory watched for outgoing drafts.
func (r Resolver) OutboxDir(account string) string {
	return filepath.Join(r.AccountDir(account), "outbox")
}

// SentDir returns the terminal directory for dispatched drafts.
func (r Resolver) SentDir(account string) string {
	return filepath.Join(r.AccountDir(account), "sent")
}

// FailedDir returns the terminal directory for failed drafts.
func (r Resolver) FailedDir(account string) string {
	return filepath.Join(r.AccountDir(account), "failed")
}

// messageTimeLayout yields names that sort chronologically.
const messageTimeLayout = "20060102T150405Z"

// MessageFilename builds "<YYYYMMDDTHHMMSSZ>__msg<id>.md". The date is
// rendered in UTC so the prefix matches the frontmatter date to the second.
func MessageFilename(date time.Time, messageID string) string {
	return fmt.Sprintf("%s__msg%s.md", date.UTC().Format(messageTimeLayout), SanitizeName(messageID))
}

var reMessageFilename = regexp.MustCompile(`^(\d{8}T\d{6}Z)__msg(.+)\.md$`)

// ParseMessageFilename is the inverse of MessageFilename.
func ParseMessageFilename(name string) (time.Time, string, error) {
	m := reMessageFilename.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, "", fmt.Errorf("not a message filename: %q", name)
	}
	t, err := time.Parse(messageTimeLayout, m[1])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("bad timestamp in %q: %w", name, err)
	}
	return t, m[2], nil
}

var reUnsafe = regexp.MustCompile(`[/\\:*?"<>|]`)

// SanitizeName makes a string safe to use as a single path element.
// Reserved characters, leading dashes, and embedded ".." are replaced
// with underscores; an empty result becomes "attachment".
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = reUnsafe.ReplaceAllString(name, "_")
	name = strings.ReplaceAll(name, "..", "_")
	for strings.HasPrefix(name, "-") {
		name = "_" + strings.TrimPrefix(name, "-")
	}
	if name == "" {
		return "attachment"
	}
	return name
}
