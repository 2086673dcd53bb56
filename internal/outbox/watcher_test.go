package outbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildeck/maildeck/internal/atomicio"
	"github.com/maildeck/maildeck/internal/model"
	"github.com/maildeck/maildeck/internal/paths"
	"github.com/maildeck/maildeck/internal/smtpout"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []model.Draft
	reply []smtpout.ReplyHeaders
	err   error
}

func (f *fakeSender) Send(_ context.Context, d model.Draft, r smtpout.ReplyHeaders) (model.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.SendResult{}, f.err
	}
	f.sent = append(f.sent, d)
	f.reply = append(f.reply, r)
	return model.SendResult{ProviderMessageID: "sent-id@example.com"}, nil
}

const watcherAccount = "me@example.com"

func testWatcher(t *testing.T, sender *fakeSender, review bool) (*Watcher, paths.Resolver) {
	t.Helper()
	res := paths.New(t.TempDir())
	require.NoError(t, os.MkdirAll(res.OutboxDir(watcherAccount), 0o755))
	w := NewWatcher(res, watcherAccount, sender, review, nil, zerolog.Nop())
	return w, res
}

func outboxDraft(t *testing.T, res paths.Resolver, name string, d model.Draft) string {
	t.Helper()
	path := filepath.Join(res.OutboxDir(watcherAccount), name)
	require.NoError(t, atomicio.WriteJSON(path, d))
	return path
}

func TestProcessDispatchesReadyDraft(t *testing.T) {
	sender := &fakeSender{}
	w, res := testWatcher(t, sender, true)

	path := outboxDraft(t, res, "d.json", validDraft())
	w.process(context.Background(), path)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"dest@example.com"}, sender.sent[0].To)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "draft should leave the outbox")

	entries, err := os.ReadDir(res.SentDir(watcherAccount))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var final model.Draft
	require.NoError(t, atomicio.ReadJSON(filepath.Join(res.SentDir(watcherAccount), entries[0].Name()), &final))
	assert.Equal(t, model.StatusSent, final.Status)
	assert.Equal(t, "sent-id@example.com", final.ProviderMessageID)
}

func TestProcessHoldsPendingReview(t *testing.T) {
	sender := &fakeSender{}
	w, res := testWatcher(t, sender, true)

	d := validDraft()
	d.Status = model.StatusPendingReview
	path := outboxDraft(t, res, "hold.json", d)

	w.process(context.Background(), path)

	assert.Empty(t, sender.sent)
	_, err := os.Stat(path)
	assert.NoError(t, err, "pending draft stays in the outbox")
}

func TestProcessAutoPromotesWhenReviewDisabled(t *testing.T) {
	sender := &fakeSender{}
	w, res := testWatcher(t, sender, false)

	d := validDraft()
	d.Status = model.StatusPendingReview
	path := outboxDraft(t, res, "auto.json", d)

	w.process(context.Background(), path)
	assert.Len(t, sender.sent, 1)
}

func TestProcessLeavesInvalidDraftInPlace(t *testing.T) {
	sender := &fakeSender{}
	w, res := testWatcher(t, sender, true)

	d := validDraft()
	d.To = nil
	path := outboxDraft(t, res, "bad.json", d)

	w.process(context.Background(), path)

	assert.Empty(t, sender.sent)
	_, err := os.Stat(path)
	assert.NoError(t, err, "an invalid draft stays in the outbox")
	_, err = os.Stat(res.FailedDir(watcherAccount))
	assert.True(t, os.IsNotExist(err), "nothing is quarantined")
}

func TestProcessLeavesUnparsableDraftInPlace(t *testing.T) {
	sender := &fakeSender{}
	w, res := testWatcher(t, sender, true)

	path := filepath.Join(res.OutboxDir(watcherAccount), "garbage.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	w.process(context.Background(), path)

	assert.Empty(t, sender.sent)
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestProcessSendErrorMovesToFailed(t *testing.T) {
	sender := &fakeSender{err: assert.AnError}
	w, res := testWatcher(t, sender, true)

	path := outboxDraft(t, res, "boom.json", validDraft())
	w.process(context.Background(), path)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(res.FailedDir(watcherAccount))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSweepFailsStuckSending(t *testing.T) {
	sender := &fakeSender{}
	w, res := testWatcher(t, sender, true)

	d := validDraft()
	d.Status = model.StatusSending
	outboxDraft(t, res, "stuck.json", d)

	w.sweep(context.Background(), res.OutboxDir(watcherAccount))

	assert.Empty(t, sender.sent, "an interrupted draft must not be re-sent")
	entries, err := os.ReadDir(res.FailedDir(watcherAccount))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var final model.Draft
	require.NoError(t, atomicio.ReadJSON(filepath.Join(res.FailedDir(watcherAccount), entries[0].Name()), &final))
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, "interrupted during send", final.Error)
}

func TestSweepDispatchesReadyDrafts(t *testing.T) {
	sender := &fakeSender{}
	w, res := testWatcher(t, sender, true)

	outboxDraft(t, res, "ready.json", validDraft())
	w.sweep(context.Background(), res.OutboxDir(watcherAccount))

	require.Len(t, sender.sent, 1)
}

func TestEligibleName(t *testing.T) {
	w, _ := testWatcher(t, &fakeSender{}, true)
	assert.True(t, w.eligibleName("/x/outbox/draft.json"))
	assert.False(t, w.eligibleName("/x/outbox/draft.json.abc12345.tmp"))
	assert.False(t, w.eligibleName("/x/outbox/notes.txt"))
	assert.False(t, w.eligibleName("/x/outbox/.hidden"))
}

func TestReplyContextFromThread(t *testing.T) {
	sender := &fakeSender{}
	w, res := testWatcher(t, sender, true)

	dir := res.MessagesDir(watcherAccount, "t-reply")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	older := "---\nid: u1\nrfc822_message_id: first@x.com\nreferences: []\n---\n\nold\n"
	newer := "---\nid: u2\nrfc822_message_id: second@x.com\nreferences:\n  - first@x.com\n---\n\nnew\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260101T000000Z__msgu1.md"), []byte(older), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260102T000000Z__msgu2.md"), []byte(newer), 0o644))

	d := validDraft()
	d.Action = model.ActionReply
	d.ThreadID = "t-reply"
	path := outboxDraft(t, res, "reply.json", d)

	w.process(context.Background(), path)

	require.Len(t, sender.reply, 1)
	reply := sender.reply[0]
	assert.Equal(t, "second@x.com", reply.InReplyTo)
	assert.Contains(t, reply.References, "first@x.com")
	assert.Contains(t, reply.References, "second@x.com")
}

func TestWatcherRunPicksUpNewDraft(t *testing.T) {
	sender := &fakeSender{}
	w, res := testWatcher(t, sender, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Let the watcher register before dropping the file.
	time.Sleep(200 * time.Millisecond)
	outboxDraft(t, res, "live.json", validDraft())

	waitFor(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 1
	})

	cancel()
	<-done
}

// waitFor polls cond for up to five seconds.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
