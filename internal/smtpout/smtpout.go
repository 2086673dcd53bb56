// Package smtpout dispatches outbox drafts over SMTP. Replies carry
// In-Reply-To and References headers so receiving clients thread them;
// an optional signature.txt is appended to every outgoing body.
package smtpout

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"github.com/maildeck/maildeck/internal/model"
)

// GmailSMTPHost and GmailSMTPPort are the Gmail submission endpoint
// (implicit TLS).
const (
	GmailSMTPHost = "smtp.gmail.com"
	GmailSMTPPort = 465
)

// ReplyHeaders carry the threading context for a reply draft.
type ReplyHeaders struct {
	InReplyTo  string
	References []string
}

// Sender builds and submits outgoing messages for one account.
type Sender struct {
	host          string
	port          int
	username      string
	password      string
	signaturePath string
	log           zerolog.Logger
}

// NewSender returns a sender for the given credentials. signaturePath
// may point at a file that does not exist; signatures are optional.
func NewSender(username, password, signaturePath string, log zerolog.Logger) *Sender {
	return &Sender{
		host:          GmailSMTPHost,
		port:          GmailSMTPPort,
		username:      username,
		password:      password,
		signaturePath: signaturePath,
		log:           log,
	}
}

// WithEndpoint overrides the SMTP host and port, for tests and
// non-Gmail servers.
func (s *Sender) WithEndpoint(host string, port int) *Sender {
	s.host = host
	s.port = port
	return s
}

// Send submits the draft. On success it returns the Message-ID the
// message was sent with, so the corpus can link a future reply back to
// the thread.
func (s *Sender) Send(ctx context.Context, draft model.Draft, reply ReplyHeaders) (model.SendResult, error) {
	m := mail.NewMsg()
	if err := m.From(s.username); err != nil {
		return model.SendResult{}, eris.Wrap(err, "smtp from")
	}
	if err := m.To(draft.To...); err != nil {
		return model.SendResult{}, eris.Wrap(err, "smtp to")
	}
	if len(draft.Cc) > 0 {
		if err := m.Cc(draft.Cc...); err != nil {
			return model.SendResult{}, eris.Wrap(err, "smtp cc")
		}
	}
	m.Subject(draft.Subject)
	m.SetMessageID()

	if draft.Action == model.ActionReply {
		if reply.InReplyTo != "" {
			m.SetGenHeader(mail.HeaderInReplyTo, "<"+strings.Trim(reply.InReplyTo, "<>")+">")
		}
		if len(reply.References) > 0 {
			refs := make([]string, 0, len(reply.References))
			for _, r := range reply.References {
				refs = append(refs, "<"+strings.Trim(r, "<>")+">")
			}
			m.SetGenHeader(mail.HeaderReferences, strings.Join(refs, " "))
		}
	}

	m.SetBodyString(mail.TypeTextPlain, s.withSignature(draft.Body))

	for _, att := range draft.Attachments {
		if _, err := os.Stat(att.Path); err != nil {
			return model.SendResult{}, eris.Wrapf(err, "attachment %s", att.Path)
		}
		m.AttachFile(att.Path, mail.WithFileName(att.Filename))
	}

	client, err := mail.NewClient(s.host,
		mail.WithPort(s.port),
		mail.WithSSL(),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.username),
		mail.WithPassword(s.password),
	)
	if err != nil {
		return model.SendResult{}, eris.Wrap(err, "smtp client")
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return model.SendResult{}, eris.Wrapf(err, "smtp send to %s", strings.Join(draft.To, ", "))
	}

	id := strings.Trim(m.GetMessageID(), "<>")
	s.log.Info().Str("to", strings.Join(draft.To, ",")).Str("message_id", id).Msg("message sent")
	return model.SendResult{ProviderMessageID: id}, nil
}

// withSignature appends signature.txt, when present, below a "-- "
// delimiter. A body that already ends with the delimiter is left alone.
func (s *Sender) withSignature(body string) string {
	if s.signaturePath == "" {
		return body
	}
	sig, err := os.ReadFile(s.signaturePath)
	if err != nil || len(strings.TrimSpace(string(sig))) == 0 {
		return body
	}
	if strings.Contains(body, "\n-- \n") {
		return body
	}
	return strings.TrimRight(body, "\n") + "\n\n-- \n" + strings.TrimSpace(string(sig)) + "\n"
}
