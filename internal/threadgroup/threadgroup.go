// Package threadgroup assigns incoming messages to threads. Reply
// headers (In-Reply-To, References) bind a message to the thread of any
// message it references; when no reference resolves, messages fall back
// to a deterministic hash of the normalized subject, so the same
// conversation lands in the same directory across sync runs.
package threadgroup

import (
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/maildeck/maildeck/internal/paths"
)

// headerScanBytes bounds how much of each message file the corpus scan
// reads; frontmatter always fits well within it.
const headerScanBytes = 8 * 1024

// Grouper resolves messages to thread IDs for one account. It is safe
// for concurrent use.
type Grouper struct {
	mu      sync.Mutex
	byMsgID map[string]string
	res     paths.Resolver
	account string
	log     zerolog.Logger
}

// New returns a grouper with an empty reference map. Call Load to seed
// it from the on-disk corpus.
func New(res paths.Resolver, account string, log zerolog.Logger) *Grouper {
	return &Grouper{
		byMsgID: make(map[string]string),
		res:     res,
		account: account,
		log:     log,
	}
}

var reFrontMsgID = regexp.MustCompile(`(?m)^rfc822_message_id:\s*"?([^"\n]+?)"?\s*$`)

// Load scans every message file's frontmatter header and rebuilds the
// RFC 822 message-id to thread-id map. Unreadable files are skipped.
func (g *Grouper) Load() error {
	pattern := filepath.Join(g.res.AccountDir(g.account), "threads", "*", "messages", "*.md")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, path := range files {
		threadID := filepath.Base(filepath.Dir(filepath.Dir(path)))
		id, err := scanMessageID(path)
		if err != nil {
			g.log.Warn().Str("file", path).Err(err).Msg("skipping unreadable message header")
			continue
		}
		if id != "" {
			g.byMsgID[id] = threadID
		}
	}
	g.log.Debug().Int("known_ids", len(g.byMsgID)).Msg("thread reference map loaded")
	return nil
}

func scanMessageID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, headerScanBytes)
	n, _ := f.Read(buf)
	m := reFrontMsgID.FindSubmatch(buf[:n])
	if m == nil {
		return "", nil
	}
	return strings.TrimSpace(string(m[1])), nil
}

// noSubject is the parser's placeholder for a missing subject. Hashing
// it would merge every subjectless message into one thread.
const noSubject = "(no subject)"

// Assign returns the thread ID for a message. References win over the
// subject fallback; the first resolvable reference decides. Messages
// with no usable subject hash their own message-id, or the UID as the
// last resort, so each forms a one-message thread.
func (g *Grouper) Assign(rfc822ID, inReplyTo string, references []string, subject string, uid uint64) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	refs := make([]string, 0, len(references)+1)
	if inReplyTo != "" {
		refs = append(refs, inReplyTo)
	}
	refs = append(refs, references...)
	for _, ref := range refs {
		if tid, ok := g.byMsgID[ref]; ok {
			if rfc822ID != "" {
				g.byMsgID[rfc822ID] = tid
			}
			return tid
		}
	}

	var tid string
	switch key := NormalizeSubject(subject); {
	case key != "" && key != noSubject:
		tid = hashThreadID(key)
	case rfc822ID != "":
		tid = hashThreadID(rfc822ID)
	default:
		tid = hashThreadID("u" + strconv.FormatUint(uid, 10))
	}
	if rfc822ID != "" {
		g.byMsgID[rfc822ID] = tid
	}
	return tid
}

// Register binds an RFC 822 message-id to a thread, so later replies to
// a message we sent ourselves resolve to the right thread.
func (g *Grouper) Register(rfc822ID, threadID string) {
	if rfc822ID == "" {
		return
	}
	g.mu.Lock()
	g.byMsgID[rfc822ID] = threadID
	g.mu.Unlock()
}

// Lookup reports the thread currently bound to an RFC 822 message-id.
func (g *Grouper) Lookup(rfc822ID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tid, ok := g.byMsgID[rfc822ID]
	return tid, ok
}

var reSubjectPrefix = regexp.MustCompile(`(?i)^\s*((re|fwd?|aw|sv)\s*(\[\d+\])?\s*:\s*)+`)

// NormalizeSubject strips reply/forward prefixes, collapses whitespace,
// and lowercases, so "Re: Foo" and "FWD: foo" key the same thread.
func NormalizeSubject(subject string) string {
	s := reSubjectPrefix.ReplaceAllString(subject, "")
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// SubjectThreadID derives a deterministic thread ID from the normalized
// subject: "t-" plus the FNV-1a 32-bit hash in base 36, zero-padded to
// eight characters.
func SubjectThreadID(subject string) string {
	return hashThreadID(NormalizeSubject(subject))
}

func hashThreadID(key string) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	enc := strconv.FormatUint(uint64(h.Sum32()), 36)
	if pad := 8 - len(enc); pad > 0 {
		enc = strings.Repeat("0", pad) + enc
	}
	return "t-" + enc
}
