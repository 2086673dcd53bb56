// Package mimeparse decodes raw RFC 822 bytes into a structured message:
// headers, text/html bodies, and attachments.
package mimeparse

import (
	"bufio"
	"bytes"
	"io"
	"net/textproto"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"

	"github.com/maildeck/maildeck/internal/model"
)

// maxPartBytes caps any single decoded part to avoid pathological memory use.
const maxPartBytes = 50 * 1024 * 1024

// Part is a decoded attachment part.
type Part struct {
	Filename    string
	ContentType string
	ContentID   string
	Bytes       []byte
	Size        int64
}

// Message is the structured result of parsing one RFC 822 message.
type Message struct {
	MessageID  string
	InReplyTo  string
	References []string
	From       model.Address
	To         []model.Address
	Cc         []model.Address
	Subject    string
	Date       time.Time

	TextBody    string
	HTMLBody    string
	Attachments []Part
}

// Parse decodes raw message bytes. It is robust to missing headers: a
// missing subject becomes "(no subject)" and a missing date becomes now.
func Parse(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return nil, eris.Wrap(err, "mime: create reader")
	}
	// A non-nil reader with an error means the header parsed but some part
	// is malformed; keep going and take what decodes.

	h := mr.Header
	msg := &Message{
		Subject: "(no subject)",
		Date:    time.Now().UTC(),
	}

	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	if refs, err := h.MsgIDList("References"); err == nil {
		msg.References = refs
	} else if raw := h.Get("References"); raw != "" {
		// References may be whitespace-separated without strict msg-id syntax.
		for _, tok := range strings.Fields(raw) {
			msg.References = append(msg.References, strings.Trim(tok, "<>"))
		}
	}
	if s, err := h.Subject(); err == nil && strings.TrimSpace(s) != "" {
		msg.Subject = strings.TrimSpace(s)
	}
	if d, err := h.Date(); err == nil && !d.IsZero() {
		msg.Date = d
	} else if d := parseDateFuzzy(h.Get("Date")); !d.IsZero() {
		msg.Date = d
	} else if d := parseReceivedDate(raw); !d.IsZero() {
		msg.Date = d
	}

	if from := addressList(h, "From"); len(from) > 0 {
		msg.From = from[0]
	}
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Skip undecodable parts; the rest of the message still counts.
			break
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, rerr := io.ReadAll(io.LimitReader(p.Body, maxPartBytes))
			if rerr != nil {
				continue
			}
			switch {
			case strings.EqualFold(ct, "text/plain") && msg.TextBody == "":
				msg.TextBody = string(body)
			case strings.EqualFold(ct, "text/html") && msg.HTMLBody == "":
				msg.HTMLBody = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			if ct == "" {
				ct = "application/octet-stream"
			}
			body, rerr := io.ReadAll(io.LimitReader(p.Body, maxPartBytes))
			if rerr != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, Part{
				Filename:    filename,
				ContentType: ct,
				ContentID:   strings.Trim(ph.Get("Content-Id"), "<> \t"),
				Bytes:       body,
				Size:        int64(len(body)),
			})
		}
	}

	return msg, nil
}

func addressList(h mail.Header, key string) []model.Address {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]model.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, model.Address{Email: a.Address, Name: a.Name})
	}
	return out
}

// parseDateFuzzy tries multiple date layouts for non-standard Date headers.
func parseDateFuzzy(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05",
		"2 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05",
		time.RFC822Z,
		time.RFC822,
		"2006-01-02T15:04:05Z07:00",
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// parseReceivedDate extracts the date from the first Received header.
// The date follows the last ";" on the header line.
func parseReceivedDate(raw []byte) time.Time {
	header := raw
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		header = raw[:idx]
	} else if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		header = raw[:idx]
	}
	hdr := append(append([]byte{}, header...), "\r\n\r\n"...)
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(hdr)))
	mh, err := tp.ReadMIMEHeader()
	if err != nil && len(mh) == 0 {
		return time.Time{}
	}
	received := mh.Get("Received")
	if received == "" {
		return time.Time{}
	}
	idx := strings.LastIndex(received, ";")
	if idx < 0 {
		return time.Time{}
	}
	return parseDateFuzzy(strings.TrimSpace(received[idx+1:]))
}
