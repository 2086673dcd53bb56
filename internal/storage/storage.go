// Package storage persists the mail corpus: message markdown files with
// YAML frontmatter, per-thread metadata, attachments, and the JSONL
// indexes. All writes go through atomicio so readers never see a
// partial file.
package storage

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/maildeck/maildeck/internal/atomicio"
	"github.com/maildeck/maildeck/internal/model"
	"github.com/maildeck/maildeck/internal/paths"
)

// MaxAttachmentBytes is the size above which attachment bytes are not
// written; the metadata still records the attachment with Skipped set.
const MaxAttachmentBytes = 10 * 1024 * 1024

// frequentContactThreshold marks a contact as frequent once this many
// messages have been seen from them.
const frequentContactThreshold = 5

// Writer persists corpus artifacts for one account.
type Writer struct {
	res     paths.Resolver
	account string
	log     zerolog.Logger
}

// NewWriter returns a corpus writer rooted at the resolver's base.
func NewWriter(res paths.Resolver, account string, log zerolog.Logger) *Writer {
	return &Writer{res: res, account: account, log: log}
}

// WriteMessage renders frontmatter plus the cleaned body and writes the
// message file. The filename is derived from the date and internal ID,
// so rewriting the same message is idempotent.
func (w *Writer) WriteMessage(fm model.Frontmatter, body string) (string, error) {
	path := w.res.MessageFile(w.account, fm.ThreadID, fm.Date, fm.ID)
	content := RenderMessage(fm, body)
	if err := atomicio.WriteFile(path, []byte(content)); err != nil {
		return "", eris.Wrapf(err, "write message %s", fm.ID)
	}
	return path, nil
}

// WriteThreadMeta persists thread.json.
func (w *Writer) WriteThreadMeta(meta model.ThreadMeta) error {
	return atomicio.WriteJSON(w.res.ThreadMetaFile(w.account, meta.ID), meta)
}

// LoadThreadMeta reads thread.json for a thread. A missing file returns
// ok=false with no error.
func (w *Writer) LoadThreadMeta(threadID string) (model.ThreadMeta, bool, error) {
	var meta model.ThreadMeta
	err := atomicio.ReadJSON(w.res.ThreadMetaFile(w.account, threadID), &meta)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return meta, false, nil
		}
		return meta, false, err
	}
	return meta, true, nil
}

// WriteAttachment stores attachment bytes under the thread's
// attachments directory. Oversized attachments are skipped; the
// returned record says so.
func (w *Writer) WriteAttachment(threadID, filename, mimeType string, data []byte) (model.Attachment, error) {
	att := model.Attachment{
		Filename:  paths.SanitizeName(filename),
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
	}
	if att.SizeBytes > MaxAttachmentBytes {
		att.Skipped = true
		w.log.Info().Str("thread", threadID).Str("file", att.Filename).
			Int64("size", att.SizeBytes).Msg("attachment over size limit, skipped")
		return att, nil
	}
	path := w.res.AttachmentFile(w.account, threadID, filename)
	if err := atomicio.WriteFile(path, data); err != nil {
		return att, eris.Wrapf(err, "write attachment %s", filename)
	}
	return att, nil
}

// UpsertThreadIndex replaces or appends the thread's entry in
// threads.jsonl, keeping the file sorted by last_date descending.
func (w *Writer) UpsertThreadIndex(entry model.ThreadIndexEntry) error {
	return atomicio.UpsertJSONLValue(
		w.res.ThreadsIndex(w.account), entry, "id",
		atomicio.UpsertOptions{SortByField: "last_date"},
	)
}

// RecordContact updates contacts.jsonl for an external sender: message
// count incremented, last_seen advanced, labels merged.
func (w *Writer) RecordContact(addr model.Address, seenAt time.Time, labels []string) error {
	email := strings.ToLower(strings.TrimSpace(addr.Email))
	if email == "" {
		return nil
	}
	path := w.res.ContactsIndex(w.account)
	seen := seenAt.UTC().Format(time.RFC3339)

	entry := model.ContactEntry{
		Email:     email,
		Name:      addr.Name,
		FirstSeen: seen,
		LastSeen:  seen,
		MsgCount:  1,
	}

	records, err := atomicio.ReadJSONL(path)
	if err != nil {
		return err
	}
	for _, r := range records {
		if e, _ := r["email"].(string); e != email {
			continue
		}
		if v, _ := r["first_seen"].(string); v != "" && v < entry.FirstSeen {
			entry.FirstSeen = v
		}
		if v, _ := r["last_seen"].(string); v > entry.LastSeen {
			entry.LastSeen = v
		}
		if n, ok := r["msg_count"].(float64); ok {
			entry.MsgCount = int(n) + 1
		}
		if entry.Name == "" {
			entry.Name, _ = r["name"].(string)
		}
		if prior, ok := r["common_labels"].([]any); ok {
			for _, l := range prior {
				if s, ok := l.(string); ok {
					entry.CommonLabels = append(entry.CommonLabels, s)
				}
			}
		}
		break
	}
	entry.CommonLabels = mergeLabels(entry.CommonLabels, labels)
	entry.IsFrequent = entry.MsgCount >= frequentContactThreshold

	return atomicio.UpsertJSONLValue(path, entry, "email", atomicio.UpsertOptions{})
}

func mergeLabels(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range append(a, b...) {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// RenderMessage produces the full message file: frontmatter delimited
// by "---" lines, a blank line, then the body.
func RenderMessage(fm model.Frontmatter, body string) string {
	var b strings.Builder
	b.WriteString("---\n")
	writeScalar(&b, "id", fm.ID)
	writeScalar(&b, "message_id", fm.MessageID)
	writeScalar(&b, "thread_id", fm.ThreadID)
	writeScalar(&b, "rfc822_message_id", fm.RFC822MessageID)
	writeScalar(&b, "in_reply_to", fm.InReplyTo)
	writeList(&b, "references", fm.References)
	writeAddress(&b, "from", fm.From)
	writeAddressList(&b, "to", fm.To)
	writeAddressList(&b, "cc", fm.Cc)
	writeScalar(&b, "date", fm.Date.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "uid: %d\n", fm.UID)
	b.WriteString("---\n\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

func writeScalar(b *strings.Builder, key, val string) {
	fmt.Fprintf(b, "%s: %s\n", key, yamlScalar(val))
}

func writeList(b *strings.Builder, key string, vals []string) {
	if len(vals) == 0 {
		fmt.Fprintf(b, "%s: []\n", key)
		return
	}
	fmt.Fprintf(b, "%s:\n", key)
	for _, v := range vals {
		fmt.Fprintf(b, "  - %s\n", yamlScalar(v))
	}
}

func writeAddress(b *strings.Builder, key string, a model.Address) {
	fmt.Fprintf(b, "%s:\n", key)
	fmt.Fprintf(b, "  email: %s\n", yamlScalar(a.Email))
	if a.Name != "" {
		fmt.Fprintf(b, "  name: %s\n", yamlScalar(a.Name))
	}
}

func writeAddressList(b *strings.Builder, key string, addrs []model.Address) {
	if len(addrs) == 0 {
		fmt.Fprintf(b, "%s: []\n", key)
		return
	}
	fmt.Fprintf(b, "%s:\n", key)
	for _, a := range addrs {
		fmt.Fprintf(b, "  - email: %s\n", yamlScalar(a.Email))
		if a.Name != "" {
			fmt.Fprintf(b, "    name: %s\n", yamlScalar(a.Name))
		}
	}
}

// yamlScalar quotes values that would otherwise be misread by a YAML
// parser. Quoting is conservative: anything with structural characters,
// a leading dash, or surrounding whitespace gets double quotes.
func yamlScalar(s string) string {
	if s == "" {
		return `""`
	}
	needsQuote := strings.ContainsAny(s, ":#[]{}|>&*!'\"\\\n") ||
		strings.HasPrefix(s, "-") ||
		s != strings.TrimSpace(s)
	if !needsQuote {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return `"` + s + `"`
}
