// Package imapcli wraps go-imap/v2 for the mirroring passes: dialing,
// mailbox discovery, UID search, batched body fetches, and flag stores.
// One Client owns one connection; commands are serialized with a mutex
// because the sync passes for an account never overlap anyway.
package imapcli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// GmailIMAPAddr is the default server for Gmail accounts.
const GmailIMAPAddr = "imap.gmail.com:993"

// fetchBatchSize bounds how many UIDs one FETCH command covers.
const fetchBatchSize = 50

// ErrAuth marks a rejected login.
var ErrAuth = errors.New("imap authentication failed")

// Options configure a connection. When AccessToken is set the client
// authenticates with OAUTHBEARER instead of LOGIN.
type Options struct {
	Addr        string
	Username    string
	Password    string
	AccessToken string
	Timeout     time.Duration
}

// Message is one fetched message: raw RFC 822 bytes plus server state.
type Message struct {
	UID     uint64
	Flags   []string
	Raw     []byte
	Mailbox string
}

// Unread reports whether the message lacks the \Seen flag.
func (m Message) Unread() bool {
	for _, f := range m.Flags {
		if f == string(imap.FlagSeen) {
			return false
		}
	}
	return true
}

// Client is a logged-in IMAP session.
type Client struct {
	mu       sync.Mutex
	cli      *imapclient.Client
	selected string
	log      zerolog.Logger
}

// Dial connects over TLS and logs in.
func Dial(ctx context.Context, opts Options, log zerolog.Logger) (*Client, error) {
	if opts.Addr == "" {
		opts.Addr = GmailIMAPAddr
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}

	host, _, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		host = opts.Addr
	}

	cli, err := imapclient.DialTLS(opts.Addr, &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: host},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "imap dial %s", opts.Addr)
	}
	if err := ctx.Err(); err != nil {
		cli.Close()
		return nil, err
	}
	if opts.AccessToken != "" {
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: opts.Username,
			Token:    opts.AccessToken,
		})
		if err := cli.Authenticate(auth); err != nil {
			cli.Close()
			return nil, eris.Wrapf(ErrAuth, "oauthbearer %s: %v", opts.Username, err)
		}
	} else if err := cli.Login(opts.Username, opts.Password).Wait(); err != nil {
		cli.Close()
		return nil, eris.Wrapf(ErrAuth, "login %s: %v", opts.Username, err)
	}
	log.Debug().Str("addr", opts.Addr).Str("user", opts.Username).Msg("imap connected")
	return &Client{cli: cli, log: log}, nil
}

// Close logs out and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cli.Logout().Wait(); err != nil {
		return c.cli.Close()
	}
	return c.cli.Close()
}

// ListMailboxes returns every mailbox path the server advertises.
func (c *Client) ListMailboxes() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	boxes, err := c.listLocked()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(boxes))
	for _, box := range boxes {
		names = append(names, box.Mailbox)
	}
	return names, nil
}

func (c *Client) listLocked() ([]*imap.ListData, error) {
	boxes, err := c.cli.List("", "*", nil).Collect()
	if err != nil {
		return nil, eris.Wrap(err, "imap list")
	}
	return boxes, nil
}

// AllMailMailbox finds the mailbox carrying the \All special-use
// attribute (Gmail's "All Mail"). Falls back to INBOX when the server
// advertises none.
func (c *Client) AllMailMailbox() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	boxes, err := c.listLocked()
	if err != nil {
		return "", err
	}
	for _, box := range boxes {
		for _, attr := range box.Attrs {
			if attr == imap.MailboxAttrAll {
				return box.Mailbox, nil
			}
		}
	}
	// Older Gmail setups hide the attribute; match by name.
	for _, box := range boxes {
		if strings.EqualFold(box.Mailbox, "[Gmail]/All Mail") {
			return box.Mailbox, nil
		}
	}
	c.log.Warn().Msg("no \\All mailbox advertised, falling back to INBOX")
	return "INBOX", nil
}

func (c *Client) selectLocked(mailbox string) error {
	if c.selected == mailbox {
		return nil
	}
	if _, err := c.cli.Select(mailbox, nil).Wait(); err != nil {
		return eris.Wrapf(err, "imap select %s", mailbox)
	}
	c.selected = mailbox
	return nil
}

// SearchSince returns UIDs of messages received on or after since.
func (c *Client) SearchSince(ctx context.Context, mailbox string, since time.Time) ([]uint64, error) {
	return c.search(ctx, mailbox, &imap.SearchCriteria{Since: since})
}

// SearchUnread returns UIDs of messages without \Seen.
func (c *Client) SearchUnread(ctx context.Context, mailbox string) ([]uint64, error) {
	return c.search(ctx, mailbox, &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	})
}

// SearchAfterUID returns UIDs strictly greater than lastUID.
func (c *Client) SearchAfterUID(ctx context.Context, mailbox string, lastUID uint64) ([]uint64, error) {
	var set imap.UIDSet
	set.AddRange(imap.UID(lastUID+1), 0)
	return c.search(ctx, mailbox, &imap.SearchCriteria{
		UID: []imap.UIDSet{set},
	})
}

func (c *Client) search(ctx context.Context, mailbox string, criteria *imap.SearchCriteria) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.selectLocked(mailbox); err != nil {
		return nil, err
	}
	data, err := c.cli.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, eris.Wrapf(err, "imap search %s", mailbox)
	}
	uids := data.AllUIDs()
	out := make([]uint64, len(uids))
	for i, u := range uids {
		out[i] = uint64(u)
	}
	return out, nil
}

// FetchMessages fetches the given UIDs in batches and calls fn for each
// message as it arrives. fn errors abort the fetch. The context is
// checked between batches.
func (c *Client) FetchMessages(ctx context.Context, mailbox string, uids []uint64, fn func(Message) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.selectLocked(mailbox); err != nil {
		return err
	}

	for start := 0; start < len(uids); start += fetchBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + fetchBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		if err := c.fetchBatch(mailbox, uids[start:end], fn); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) fetchBatch(mailbox string, uids []uint64, fn func(Message) error) error {
	var set imap.UIDSet
	for _, u := range uids {
		set.AddNum(imap.UID(u))
	}

	fetchOpts := &imap.FetchOptions{
		UID:   true,
		Flags: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true},
		},
	}

	cmd := c.cli.Fetch(set, fetchOpts)
	defer cmd.Close()

	for {
		msgData := cmd.Next()
		if msgData == nil {
			break
		}
		msg := Message{Mailbox: mailbox}
		for {
			item := msgData.Next()
			if item == nil {
				break
			}
			switch it := item.(type) {
			case imapclient.FetchItemDataUID:
				msg.UID = uint64(it.UID)
			case imapclient.FetchItemDataFlags:
				for _, f := range it.Flags {
					msg.Flags = append(msg.Flags, string(f))
				}
			case imapclient.FetchItemDataBodySection:
				raw, err := io.ReadAll(it.Literal)
				if err != nil {
					return eris.Wrap(err, "imap read body literal")
				}
				msg.Raw = raw
			}
		}
		if msg.UID == 0 || len(msg.Raw) == 0 {
			c.log.Warn().Uint64("uid", msg.UID).Msg("fetch returned incomplete message, skipping")
			continue
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return cmd.Close()
}

// MarkSeen adds \Seen to the given UIDs.
func (c *Client) MarkSeen(ctx context.Context, mailbox string, uids []uint64) error {
	if len(uids) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.selectLocked(mailbox); err != nil {
		return err
	}

	var set imap.UIDSet
	for _, u := range uids {
		set.AddNum(imap.UID(u))
	}
	cmd := c.cli.Store(set, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return eris.Wrapf(err, "imap store \\Seen on %d uids", len(uids))
	}
	return nil
}

// String describes the client for logs.
func (c *Client) String() string {
	return fmt.Sprintf("imap(selected=%s)", c.selected)
}
