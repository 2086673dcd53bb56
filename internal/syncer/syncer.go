// Package syncer runs the mirroring passes that pull mail from IMAP
// into the corpus: a full window fetch, an incremental fetch above the
// last seen UID, and an unread refresh against INBOX. Each pass is
// journaled in SQLite so the last run's outcome is queryable.
package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/maildeck/maildeck/internal/atomicio"
	"github.com/maildeck/maildeck/internal/clean"
	"github.com/maildeck/maildeck/internal/imapcli"
	"github.com/maildeck/maildeck/internal/mimeparse"
	"github.com/maildeck/maildeck/internal/model"
	"github.com/maildeck/maildeck/internal/paths"
	"github.com/maildeck/maildeck/internal/storage"
	"github.com/maildeck/maildeck/internal/threadgroup"
)

// Stats summarize one sync pass.
type Stats struct {
	ThreadsTouched  int
	MessagesWritten int
	MaxUID          uint64
}

// Options configure a Syncer. DepthDays and MaxMessages override the
// account defaults for one-off passes; zero means use the defaults.
type Options struct {
	Account     string
	IMAP        imapcli.Options
	MarkSeen    bool
	DepthDays   int
	MaxMessages int
}

// Syncer mirrors one account. It is not safe for concurrent Run calls;
// the scheduler guarantees passes for an account never overlap.
type Syncer struct {
	opts    Options
	res     paths.Resolver
	writer  *storage.Writer
	grouper *threadgroup.Grouper
	journal *Journal
	log     zerolog.Logger

	touched map[string]bool
}

// New builds a syncer. The grouper should already be loaded from the
// corpus; the journal stays open for the syncer's lifetime.
func New(opts Options, res paths.Resolver, writer *storage.Writer, grouper *threadgroup.Grouper, journal *Journal, log zerolog.Logger) *Syncer {
	return &Syncer{
		opts:    opts,
		res:     res,
		writer:  writer,
		grouper: grouper,
		journal: journal,
		log:     log,
	}
}

// Run executes one sync pass and journals it. The returned stats carry
// the highest UID seen, which the caller persists as last_uid.
func (s *Syncer) Run(ctx context.Context, kind model.SyncKind, state model.AccountState) (Stats, error) {
	job := model.SyncJob{
		ID:        model.NewID(),
		Account:   s.opts.Account,
		Kind:      kind,
		StartedAt: time.Now().UTC(),
	}
	if err := s.journal.Start(job); err != nil {
		s.log.Warn().Err(err).Msg("journal insert failed, continuing")
	}

	stats, err := s.run(ctx, kind, state)
	status := model.JobDone
	errMsg := ""
	if err != nil {
		status = model.JobFailed
		errMsg = err.Error()
	}
	if jerr := s.journal.Finish(job.ID, status, stats.ThreadsTouched, stats.MessagesWritten, errMsg); jerr != nil {
		s.log.Warn().Err(jerr).Msg("journal update failed")
	}
	return stats, err
}

func (s *Syncer) run(ctx context.Context, kind model.SyncKind, state model.AccountState) (Stats, error) {
	s.touched = make(map[string]bool)
	var stats Stats

	if err := s.ensureLayout(); err != nil {
		return stats, err
	}

	client, err := imapcli.Dial(ctx, s.opts.IMAP, s.log)
	if err != nil {
		return stats, err
	}
	defer client.Close()

	var (
		mailbox string
		uids    []uint64
	)
	switch kind {
	case model.SyncUnread:
		mailbox = "INBOX"
		uids, err = client.SearchUnread(ctx, mailbox)
	case model.SyncIncremental:
		if state.LastUID == 0 {
			return s.runFull(ctx, client, state)
		}
		mailbox, err = client.AllMailMailbox()
		if err == nil {
			uids, err = client.SearchAfterUID(ctx, mailbox, state.LastUID)
			// Some servers return the boundary UID itself; drop it.
			uids = uidsAbove(uids, state.LastUID)
		}
	default:
		return s.runFull(ctx, client, state)
	}
	if err != nil {
		return stats, err
	}

	uids = s.capUIDs(uids)
	if err := s.fetchAndIngest(ctx, client, mailbox, uids, &stats); err != nil {
		return stats, err
	}

	if kind == model.SyncUnread && s.opts.MarkSeen && len(uids) > 0 {
		if err := client.MarkSeen(ctx, mailbox, uids); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (s *Syncer) runFull(ctx context.Context, client *imapcli.Client, state model.AccountState) (Stats, error) {
	var stats Stats
	mailbox, err := client.AllMailMailbox()
	if err != nil {
		return stats, err
	}
	depth := s.opts.DepthDays
	if depth <= 0 {
		depth = state.SyncDepthDays
	}
	if depth <= 0 {
		depth = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -depth)
	uids, err := client.SearchSince(ctx, mailbox, since)
	if err != nil {
		return stats, err
	}
	uids = s.capUIDs(uids)
	s.log.Info().Str("mailbox", mailbox).Int("messages", len(uids)).
		Time("since", since).Msg("full sync window")
	if err := s.fetchAndIngest(ctx, client, mailbox, uids, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// ensureLayout creates the account's directory tree so an empty first
// sync still leaves a navigable corpus behind.
func (s *Syncer) ensureLayout() error {
	for _, dir := range []string{
		s.res.AccountDir(s.opts.Account),
		filepath.Dir(s.res.ThreadsIndex(s.opts.Account)),
		filepath.Join(s.res.AccountDir(s.opts.Account), "threads"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "create %s", dir)
		}
	}
	return nil
}

// capUIDs keeps the newest MaxMessages UIDs. Search results are
// ascending, so the newest are at the tail.
func (s *Syncer) capUIDs(uids []uint64) []uint64 {
	if s.opts.MaxMessages > 0 && len(uids) > s.opts.MaxMessages {
		return uids[len(uids)-s.opts.MaxMessages:]
	}
	return uids
}

func uidsAbove(uids []uint64, floor uint64) []uint64 {
	out := uids[:0]
	for _, u := range uids {
		if u > floor {
			out = append(out, u)
		}
	}
	return out
}

func (s *Syncer) fetchAndIngest(ctx context.Context, client *imapcli.Client, mailbox string, uids []uint64, stats *Stats) error {
	if len(uids) == 0 {
		return nil
	}
	err := client.FetchMessages(ctx, mailbox, uids, func(msg imapcli.Message) error {
		if msg.UID > stats.MaxUID {
			stats.MaxUID = msg.UID
		}
		if err := s.Ingest(msg); err != nil {
			s.log.Warn().Uint64("uid", msg.UID).Err(err).Msg("message skipped")
			return nil
		}
		stats.MessagesWritten++
		return nil
	})
	stats.ThreadsTouched = len(s.touched)
	return err
}

// Ingest parses, cleans, threads, and persists one fetched message.
// A malformed message returns an error and leaves the corpus untouched.
func (s *Syncer) Ingest(msg imapcli.Message) error {
	parsed, err := mimeparse.Parse(msg.Raw)
	if err != nil {
		return eris.Wrap(err, "parse")
	}

	cleaned := clean.Clean(parsed.TextBody, parsed.HTMLBody)
	threadID := s.grouper.Assign(parsed.MessageID, parsed.InReplyTo, parsed.References, parsed.Subject, msg.UID)

	var atts []model.Attachment
	for _, part := range parsed.Attachments {
		att, err := s.writer.WriteAttachment(threadID, part.Filename, part.ContentType, part.Bytes)
		if err != nil {
			return err
		}
		atts = append(atts, att)
	}

	fm := model.Frontmatter{
		ID:              fmt.Sprintf("u%d", msg.UID),
		MessageID:       fmt.Sprintf("%s:%d", msg.Mailbox, msg.UID),
		ThreadID:        threadID,
		RFC822MessageID: parsed.MessageID,
		InReplyTo:       parsed.InReplyTo,
		References:      parsed.References,
		From:            parsed.From,
		To:              parsed.To,
		Cc:              parsed.Cc,
		Date:            parsed.Date,
		UID:             msg.UID,
	}
	if _, err := s.writer.WriteMessage(fm, cleaned.Body); err != nil {
		return err
	}

	if err := s.updateThread(threadID, parsed, msg, cleaned.Snippet, atts); err != nil {
		return err
	}

	if model.SelfRole(parsed.From.Email, s.opts.Account) == model.RoleExternal {
		if err := s.writer.RecordContact(parsed.From, parsed.Date, nil); err != nil {
			s.log.Warn().Str("email", parsed.From.Email).Err(err).Msg("contact update failed")
		}
	}

	s.touched[threadID] = true
	return nil
}

func (s *Syncer) updateThread(threadID string, parsed *mimeparse.Message, msg imapcli.Message, snippet string, atts []model.Attachment) error {
	meta, found, err := s.writer.LoadThreadMeta(threadID)
	if err != nil {
		return err
	}
	if !found {
		meta = model.ThreadMeta{
			ID:        threadID,
			Subject:   parsed.Subject,
			FirstDate: parsed.Date,
			LastDate:  parsed.Date,
		}
	}

	// The first message's subject names the thread; replies keep it.
	if parsed.Date.Before(meta.FirstDate) {
		meta.FirstDate = parsed.Date
		meta.Subject = parsed.Subject
	}
	newest := !parsed.Date.Before(meta.LastDate)
	if newest {
		meta.LastDate = parsed.Date
	}
	if msg.Unread() {
		meta.Unread = true
	}
	meta.Participants = mergeParticipants(meta.Participants, s.opts.Account, parsed)
	meta.Attachments = mergeAttachments(meta.Attachments, atts)
	meta.HasAttachments = len(meta.Attachments) > 0
	meta.Labels = mergeLabel(meta.Labels, msg.Mailbox)

	count, size, err := s.countMessages(threadID)
	if err != nil {
		return err
	}
	meta.MessageCount = count

	if err := s.writer.WriteThreadMeta(meta); err != nil {
		return err
	}

	entry := model.ThreadIndexEntry{
		ID:             meta.ID,
		Subject:        meta.Subject,
		From:           parsed.From.Email,
		FromName:       parsed.From.Name,
		Labels:         meta.Labels,
		Unread:         meta.Unread,
		Starred:        meta.Starred,
		MsgCount:       meta.MessageCount,
		LastDate:       meta.LastDate.UTC().Format(time.RFC3339),
		FirstDate:      meta.FirstDate.UTC().Format(time.RFC3339),
		HasAttachments: meta.HasAttachments,
		SizeBytes:      size,
	}
	for _, p := range meta.Participants {
		entry.Participants = append(entry.Participants, p.Email)
	}
	if newest {
		entry.Snippet = snippet
	} else if prev := s.previousSnippet(meta.ID); prev != "" {
		entry.Snippet = prev
	} else {
		entry.Snippet = snippet
	}
	return s.writer.UpsertThreadIndex(entry)
}

// countMessages reads the thread's messages directory; counting files
// instead of incrementing keeps re-ingestion idempotent.
func (s *Syncer) countMessages(threadID string) (int, int64, error) {
	dir := s.res.MessagesDir(s.opts.Account, threadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	count := 0
	var size int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		count++
		if info, err := e.Info(); err == nil {
			size += info.Size()
		}
	}
	return count, size, nil
}

// previousSnippet keeps the index snippet bound to the newest message
// when an older message arrives out of order.
func (s *Syncer) previousSnippet(threadID string) string {
	records, err := atomicio.ReadJSONL(s.res.ThreadsIndex(s.opts.Account))
	if err != nil {
		return ""
	}
	for _, r := range records {
		if id, _ := r["id"].(string); id == threadID {
			snip, _ := r["snippet"].(string)
			return snip
		}
	}
	return ""
}

func mergeParticipants(existing []model.Participant, account string, parsed *mimeparse.Message) []model.Participant {
	seen := map[string]int{}
	for i, p := range existing {
		seen[strings.ToLower(p.Email)] = i
	}
	add := func(a model.Address) {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		if email == "" {
			return
		}
		if i, ok := seen[email]; ok {
			if existing[i].Name == "" && a.Name != "" {
				existing[i].Name = a.Name
			}
			return
		}
		seen[email] = len(existing)
		existing = append(existing, model.Participant{
			Email: email,
			Name:  a.Name,
			Role:  model.SelfRole(email, account),
		})
	}
	add(parsed.From)
	for _, a := range parsed.To {
		add(a)
	}
	for _, a := range parsed.Cc {
		add(a)
	}
	sort.SliceStable(existing, func(i, j int) bool { return existing[i].Email < existing[j].Email })
	return existing
}

func mergeAttachments(existing []model.Attachment, added []model.Attachment) []model.Attachment {
	seen := map[string]bool{}
	for _, a := range existing {
		seen[a.Filename] = true
	}
	for _, a := range added {
		if !seen[a.Filename] {
			seen[a.Filename] = true
			existing = append(existing, a)
		}
	}
	return existing
}

func mergeLabel(labels []string, label string) []string {
	for _, l := range labels {
		if l == label {
			return labels
		}
	}
	return append(labels, label)
}
