package syncer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildeck/maildeck/internal/atomicio"
	"github.com/maildeck/maildeck/internal/imapcli"
	"github.com/maildeck/maildeck/internal/model"
	"github.com/maildeck/maildeck/internal/paths"
	"github.com/maildeck/maildeck/internal/storage"
	"github.com/maildeck/maildeck/internal/threadgroup"
)

const testAccount = "me@example.com"

func testSyncer(t *testing.T) (*Syncer, paths.Resolver) {
	t.Helper()
	res := paths.New(t.TempDir())
	writer := storage.NewWriter(res, testAccount, zerolog.Nop())
	grouper := threadgroup.New(res, testAccount, zerolog.Nop())
	require.NoError(t, grouper.Load())

	s := New(Options{Account: testAccount}, res, writer, grouper, nil, zerolog.Nop())
	s.touched = make(map[string]bool)
	return s, res
}

func rawMessage(uid uint64, from, subject, msgID, inReplyTo, body string) imapcli.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", testAccount)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: Tue, 03 Feb 2026 %02d:00:00 +0000\r\n", uid%24)
	fmt.Fprintf(&b, "Message-ID: <%s>\r\n", msgID)
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: <%s>\r\n", inReplyTo)
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return imapcli.Message{
		UID:     uid,
		Mailbox: "INBOX",
		Raw:     []byte(b.String()),
	}
}

func TestIngestWritesCorpus(t *testing.T) {
	s, res := testSyncer(t)

	msg := rawMessage(10, "Alice <alice@example.com>", "Project kickoff", "m1@x.com", "", "Let's start Monday.")
	require.NoError(t, s.Ingest(msg))

	threadID := threadgroup.SubjectThreadID("Project kickoff")

	entries, err := os.ReadDir(res.MessagesDir(testAccount, threadID))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "__msgu10.md")

	var meta model.ThreadMeta
	require.NoError(t, atomicio.ReadJSON(res.ThreadMetaFile(testAccount, threadID), &meta))
	assert.Equal(t, "Project kickoff", meta.Subject)
	assert.Equal(t, 1, meta.MessageCount)
	assert.True(t, meta.Unread, "message without \\Seen counts as unread")

	emails := map[string]model.ParticipantRole{}
	for _, p := range meta.Participants {
		emails[p.Email] = p.Role
	}
	assert.Equal(t, model.RoleExternal, emails["alice@example.com"])
	assert.Equal(t, model.RoleSelf, emails[testAccount])

	idx, err := atomicio.ReadJSONL(res.ThreadsIndex(testAccount))
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, threadID, idx[0]["id"])
	assert.Equal(t, "Let's start Monday.", idx[0]["snippet"])

	contacts, err := atomicio.ReadJSONL(res.ContactsIndex(testAccount))
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "alice@example.com", contacts[0]["email"])
}

func TestIngestIdempotent(t *testing.T) {
	s, res := testSyncer(t)

	msg := rawMessage(11, "alice@example.com", "Repeat", "rep@x.com", "", "Same message twice.")
	require.NoError(t, s.Ingest(msg))
	require.NoError(t, s.Ingest(msg))

	threadID := threadgroup.SubjectThreadID("Repeat")
	entries, err := os.ReadDir(res.MessagesDir(testAccount, threadID))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	var meta model.ThreadMeta
	require.NoError(t, atomicio.ReadJSON(res.ThreadMetaFile(testAccount, threadID), &meta))
	assert.Equal(t, 1, meta.MessageCount)

	idx, err := atomicio.ReadJSONL(res.ThreadsIndex(testAccount))
	require.NoError(t, err)
	assert.Len(t, idx, 1)
}

func TestIngestGroupsReplies(t *testing.T) {
	s, res := testSyncer(t)

	first := rawMessage(1, "alice@example.com", "Budget question", "q1@x.com", "", "How much is left?")
	reply := rawMessage(2, testAccount, "Re: totally renamed", "q2@x.com", "q1@x.com", "About half of it remains today.")
	require.NoError(t, s.Ingest(first))
	require.NoError(t, s.Ingest(reply))

	threadID := threadgroup.SubjectThreadID("Budget question")
	entries, err := os.ReadDir(res.MessagesDir(testAccount, threadID))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	var meta model.ThreadMeta
	require.NoError(t, atomicio.ReadJSON(res.ThreadMetaFile(testAccount, threadID), &meta))
	assert.Equal(t, 2, meta.MessageCount)
	// The first message names the thread, even after the renamed reply.
	assert.Equal(t, "Budget question", meta.Subject)

	idx, err := atomicio.ReadJSONL(res.ThreadsIndex(testAccount))
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, "About half of it remains today.", idx[0]["snippet"])
}

func TestIngestNoSubjectMessagesFormSeparateThreads(t *testing.T) {
	s, res := testSyncer(t)

	require.NoError(t, s.Ingest(rawMessage(20, "alice@example.com", "", "n1@x.com", "", "First unnamed note.")))
	require.NoError(t, s.Ingest(rawMessage(21, "alice@example.com", "", "n2@x.com", "", "Second unnamed note.")))

	entries, err := os.ReadDir(filepath.Join(res.AccountDir(testAccount), "threads"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestIngestSkipsSelfContact(t *testing.T) {
	s, res := testSyncer(t)

	msg := rawMessage(3, testAccount, "Note to self", "self@x.com", "", "Remember the milk.")
	require.NoError(t, s.Ingest(msg))

	contacts, err := atomicio.ReadJSONL(res.ContactsIndex(testAccount))
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestIngestSeenMessageNotUnread(t *testing.T) {
	s, res := testSyncer(t)

	msg := rawMessage(4, "alice@example.com", "Seen already", "seen@x.com", "", "Read this before.")
	msg.Flags = []string{"\\Seen"}
	require.NoError(t, s.Ingest(msg))

	var meta model.ThreadMeta
	threadID := threadgroup.SubjectThreadID("Seen already")
	require.NoError(t, atomicio.ReadJSON(res.ThreadMetaFile(testAccount, threadID), &meta))
	assert.False(t, meta.Unread)
}

func TestIngestMalformedMessage(t *testing.T) {
	s, _ := testSyncer(t)
	err := s.Ingest(imapcli.Message{UID: 9, Mailbox: "INBOX", Raw: []byte("\x00garbage")})
	if err == nil {
		t.Skip("parser was lenient enough to accept the input")
	}
}

func TestEnsureLayoutCreatesAccountTree(t *testing.T) {
	s, res := testSyncer(t)
	require.NoError(t, s.ensureLayout())

	for _, dir := range []string{
		res.AccountDir(testAccount),
		filepath.Dir(res.ThreadsIndex(testAccount)),
		filepath.Join(res.AccountDir(testAccount), "threads"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
}

func TestCapUIDsKeepsNewest(t *testing.T) {
	s, _ := testSyncer(t)
	s.opts.MaxMessages = 2
	assert.Equal(t, []uint64{30, 40}, s.capUIDs([]uint64{10, 20, 30, 40}))

	s.opts.MaxMessages = 0
	assert.Equal(t, []uint64{10, 20}, s.capUIDs([]uint64{10, 20}))
}

func TestUIDsAbove(t *testing.T) {
	assert.Equal(t, []uint64{21, 25}, uidsAbove([]uint64{19, 20, 21, 25}, 20))
	assert.Empty(t, uidsAbove([]uint64{5}, 20))
}
