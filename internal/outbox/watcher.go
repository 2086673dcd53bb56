package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/maildeck/maildeck/internal/model"
	"github.com/maildeck/maildeck/internal/paths"
	"github.com/maildeck/maildeck/internal/smtpout"
)

// debounceDelay is how long a draft file must stay quiet after its last
// write event before it is processed. Editors and agents write drafts
// in several syscalls; processing a half-written file would fail it.
const debounceDelay = 500 * time.Millisecond

// sendTimeout bounds one SMTP dispatch.
const sendTimeout = 60 * time.Second

// Sender dispatches one draft. Implemented by smtpout.Sender.
type Sender interface {
	Send(ctx context.Context, draft model.Draft, reply smtpout.ReplyHeaders) (model.SendResult, error)
}

// Watcher reacts to draft files appearing in outbox/ and drives them
// through the state machine.
type Watcher struct {
	res     paths.Resolver
	account string
	sender  Sender
	review  bool
	onSent  func(threadID, rfc822ID string)
	log     zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	sendMu sync.Mutex
}

// NewWatcher builds a watcher. review mirrors the review_before_send
// config: when true, drafts in pending_review wait for a human to flip
// them. onSent, when non-nil, is called after a successful dispatch so
// the thread grouper can learn the outgoing Message-ID.
func NewWatcher(res paths.Resolver, account string, sender Sender, review bool, onSent func(threadID, rfc822ID string), log zerolog.Logger) *Watcher {
	return &Watcher{
		res:     res,
		account: account,
		sender:  sender,
		review:  review,
		onSent:  onSent,
		log:     log,
		timers:  make(map[string]*time.Timer),
	}
}

// Run watches the outbox until the context is canceled. Existing files
// are swept first, recovering drafts stuck in "sending" by a crash.
func (w *Watcher) Run(ctx context.Context) error {
	dir := w.res.OutboxDir(w.account)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "mkdir outbox %s", dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "fsnotify")
	}
	defer fw.Close()
	if err := fw.Add(dir); err != nil {
		return eris.Wrapf(err, "watch %s", dir)
	}

	w.sweep(ctx, dir)

	for {
		select {
		case <-ctx.Done():
			w.cancelTimers()
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.eligibleName(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.debounce(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("outbox watch error")
		}
	}
}

func (w *Watcher) eligibleName(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.Contains(name, ".tmp")
}

// sweep processes drafts already present at startup. A draft left in
// "sending" by a crash may or may not have reached the server, so it is
// failed rather than re-sent; the human decides whether to resubmit.
func (w *Watcher) sweep(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.log.Warn().Err(err).Msg("outbox sweep failed")
		return
	}
	for _, e := range entries {
		if e.IsDir() || !w.eligibleName(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if d, err := LoadDraft(path); err == nil && d.Status == model.StatusSending {
			w.log.Warn().Str("draft", e.Name()).Msg("draft was mid-send at shutdown, failing it")
			if _, err := MarkFailed(path, w.res.FailedDir(w.account), &d, errors.New("interrupted during send")); err != nil {
				w.log.Error().Str("draft", e.Name()).Err(err).Msg("could not fail interrupted draft")
			}
			continue
		}
		w.process(ctx, path)
	}
}

func (w *Watcher) debounce(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, path)
	})
}

func (w *Watcher) cancelTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = map[string]*time.Timer{}
}

// process drives one draft file through validation, dispatch, and its
// terminal move. Sends are serialized.
func (w *Watcher) process(ctx context.Context, path string) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return
	}

	name := filepath.Base(path)
	draft, err := LoadDraft(path)
	if err != nil {
		// The file is left in place for the author to fix or remove.
		w.log.Error().Str("draft", name).Err(err).Msg("draft rejected")
		return
	}

	switch draft.Status {
	case model.StatusPendingReview:
		if w.review {
			w.log.Debug().Str("draft", name).Msg("awaiting review")
			return
		}
		if err := Transition(path, &draft, model.StatusReadyToSend); err != nil {
			w.log.Error().Str("draft", name).Err(err).Msg("auto-promote failed")
			return
		}
	case model.StatusReadyToSend:
	default:
		return
	}

	if err := Transition(path, &draft, model.StatusSending); err != nil {
		w.log.Error().Str("draft", name).Err(err).Msg("could not claim draft")
		return
	}

	reply := w.replyContext(draft)

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	result, err := w.sender.Send(sendCtx, draft, reply)
	cancel()

	if err != nil {
		w.log.Error().Str("draft", name).Err(err).Msg("send failed")
		if _, merr := MarkFailed(path, w.res.FailedDir(w.account), &draft, err); merr != nil {
			w.log.Error().Str("draft", name).Err(merr).Msg("could not move failed draft")
		}
		return
	}

	dest, err := MarkSent(path, w.res.SentDir(w.account), &draft, result)
	if err != nil {
		w.log.Error().Str("draft", name).Err(err).Msg("could not finalize sent draft")
		return
	}
	w.log.Info().Str("draft", name).Str("moved_to", dest).Msg("draft dispatched")

	if w.onSent != nil && draft.ThreadID != "" {
		w.onSent(draft.ThreadID, result.ProviderMessageID)
	}
}

var (
	reFrontRFCID = regexp.MustCompile(`(?m)^rfc822_message_id:\s*"?([^"\n]+?)"?\s*$`)
	reFrontRef   = regexp.MustCompile(`(?m)^\s+-\s+"?(<?[^"\n]+?>?)"?\s*$`)
	reFrontRefs  = regexp.MustCompile(`(?ms)^references:\n((?:\s+-\s+.*\n)*)`)
)

// replyContext resolves the In-Reply-To and References headers for a
// reply draft from the newest message in the target thread.
func (w *Watcher) replyContext(draft model.Draft) smtpout.ReplyHeaders {
	if draft.Action != model.ActionReply || draft.ThreadID == "" {
		return smtpout.ReplyHeaders{}
	}
	dir := w.res.MessagesDir(w.account, draft.ThreadID)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		w.log.Warn().Str("thread", draft.ThreadID).Msg("reply thread has no messages")
		return smtpout.ReplyHeaders{}
	}

	// Filenames sort chronologically; the last one is the newest.
	var latest string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") && e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return smtpout.ReplyHeaders{}
	}

	head, err := readHead(filepath.Join(dir, latest), 8*1024)
	if err != nil {
		return smtpout.ReplyHeaders{}
	}

	var reply smtpout.ReplyHeaders
	if m := reFrontRFCID.FindSubmatch(head); m != nil {
		reply.InReplyTo = strings.TrimSpace(string(m[1]))
	}
	if block := reFrontRefs.FindSubmatch(head); block != nil {
		for _, line := range reFrontRef.FindAllSubmatch(block[1], -1) {
			ref := strings.Trim(strings.TrimSpace(string(line[1])), "<>")
			if ref != "" {
				reply.References = append(reply.References, ref)
			}
		}
	}
	// The replied-to message joins the reference chain.
	if reply.InReplyTo != "" {
		reply.References = append(reply.References, reply.InReplyTo)
	}
	return reply
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, _ := f.Read(buf)
	return buf[:read], nil
}
