// Package clean turns raw message bodies into agent-readable plain text.
// The pipeline runs body selection, HTML conversion, quote removal,
// signature stripping, and noise normalization, in that order. Every
// destructive stage has a conservative fallback so a badly formatted
// message degrades to its original text instead of an empty body.
package clean

import (
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// SnippetLimit caps the index snippet length in characters.
const SnippetLimit = 300

// Result is the cleaned body plus the snippet used by the thread index.
type Result struct {
	Body    string
	Snippet string
}

// Clean runs the full pipeline. textBody is preferred; htmlBody is
// converted only when no usable plain-text part exists.
func Clean(textBody, htmlBody string) Result {
	body := strings.TrimSpace(textBody)
	if body == "" && htmlBody != "" {
		body = HTMLToText(htmlBody)
	}
	body = RemoveQuotedText(body)
	body = StripSignature(body)
	body = Normalize(body)
	return Result{Body: body, Snippet: Snippet(body)}
}

var (
	reAnchor  = regexp.MustCompile(`(?is)<a\s[^>]*href\s*=\s*["']([^"']+)["'][^>]*>(.*?)</a>`)
	reStyle   = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reScript  = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reHead    = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	reComment = regexp.MustCompile(`(?s)<!--.*?-->`)
	reBreak   = regexp.MustCompile(`(?i)<br\s*/?>`)
	reBlock   = regexp.MustCompile(`(?i)</(p|div|tr|li|h[1-6]|blockquote|table)>`)
)

var strictPolicy = bluemonday.StrictPolicy()

// HTMLToText converts an HTML body to plain text. Anchors become
// markdown links so the agent keeps the URL; block boundaries become
// newlines; everything else is stripped.
func HTMLToText(h string) string {
	h = reStyle.ReplaceAllString(h, "")
	h = reScript.ReplaceAllString(h, "")
	h = reHead.ReplaceAllString(h, "")
	h = reComment.ReplaceAllString(h, "")

	h = reAnchor.ReplaceAllStringFunc(h, func(m string) string {
		sub := reAnchor.FindStringSubmatch(m)
		href := strings.TrimSpace(sub[1])
		text := strings.TrimSpace(strictPolicy.Sanitize(sub[2]))
		text = strings.TrimSpace(html.UnescapeString(text))
		if text == "" || text == href {
			return href
		}
		return "[" + text + "](" + href + ")"
	})

	h = reBreak.ReplaceAllString(h, "\n")
	h = reBlock.ReplaceAllString(h, "\n")

	h = strictPolicy.Sanitize(h)
	h = html.UnescapeString(h)

	lines := strings.Split(h, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var (
	reQuoteHeader = regexp.MustCompile(`(?m)^On .{0,200}wrote:\s*$`)
	reForwardSep  = regexp.MustCompile(`(?m)^-{3,}\s*(Original Message|Forwarded message)\s*-{3,}`)
)

// RemoveQuotedText drops quoted reply chains: ">"-prefixed lines, the
// "On ... wrote:" attribution above them, and forwarded-message blocks.
// When less than 10 characters survive from a body of at least 50, the
// original is returned; a genuinely short reply keeps its cut.
func RemoveQuotedText(body string) string {
	if body == "" {
		return body
	}
	cut := body
	if loc := reQuoteHeader.FindStringIndex(cut); loc != nil {
		cut = cut[:loc[0]]
	}
	if loc := reForwardSep.FindStringIndex(cut); loc != nil {
		cut = cut[:loc[0]]
	}

	var kept []string
	for _, line := range strings.Split(cut, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	orig := strings.TrimSpace(body)
	if len(out) < 10 && len(orig) >= 50 {
		return orig
	}
	return out
}

var (
	reSigDelimiter  = regexp.MustCompile(`(?m)^(--|-- |__)$`)
	reMobileSignoff = regexp.MustCompile(`(?m)^(Sent from (my )?(iPhone|iPad|Android|Galaxy|mobile).{0,60}|Get Outlook for .{0,40})$`)
)

// StripSignature removes the trailing signature block: everything from
// the first "--" / "-- " / "__" delimiter line, or from a mobile-client
// signoff. If stripping would remove more than 80% of a body of at
// least 50 characters, the body is returned unchanged.
func StripSignature(body string) string {
	if body == "" {
		return body
	}
	cut := body
	if loc := reSigDelimiter.FindStringIndex(cut); loc != nil {
		cut = cut[:loc[0]]
	}
	if loc := reMobileSignoff.FindStringIndex(cut); loc != nil {
		cut = cut[:loc[0]]
	}
	cut = strings.TrimSpace(cut)
	orig := strings.TrimSpace(body)
	if len(orig) >= 50 && len(cut)*5 < len(orig) {
		return orig
	}
	return cut
}

var (
	reBlankRuns = regexp.MustCompile(`\n{3,}`)
	reURL       = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	reImageLine = regexp.MustCompile(`(?m)^\s*(\[image:[^\]]*\]|\[cid:[^\]]*\]|https?://\S+\.(png|jpe?g|gif|webp)(\?\S*)?)\s*$`)
	reFooter    = regexp.MustCompile(`(?i)(unsubscribe|manage (your )?preferences|update (your )?subscription|view (this email )?in (your )?browser|you (are receiving|received) this (email|message)|privacy policy|all rights reserved|\(c\) \d{4})`)
)

var curlyReplacer = strings.NewReplacer(
	"‘", "'", "’", "'",
	"“", `"`, "”", `"`,
	" ", " ",
)

// trackingParams are query parameters stripped from every URL.
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true, "utm_id": true,
	"correlation_id": true, "ref_campaign": true, "ref_source": true,
	"token": true, "auto_token": true, "ct": true, "ec": true,
	"fbclid": true, "gclid": true, "mc_cid": true, "mc_eid": true,
}

// maxURLLen is the length beyond which a URL is shortened to
// origin/<first-path>/...
const maxURLLen = 150

// Normalize applies Unicode NFC, straightens curly quotes, drops lone
// image-reference lines, rewrites URLs (tracking parameters removed,
// overlong URLs shortened), cuts footer regions, and collapses
// blank-line runs.
func Normalize(body string) string {
	body = norm.NFC.String(body)
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = curlyReplacer.Replace(body)

	body = reImageLine.ReplaceAllString(body, "")
	body = reURL.ReplaceAllStringFunc(body, rewriteURL)
	body = cutFooterRegion(body)
	body = trimTrailingFooter(body)

	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	body = strings.Join(lines, "\n")
	body = reBlankRuns.ReplaceAllString(body, "\n\n")
	return strings.TrimSpace(body)
}

// cutFooterRegion ends the body at the first footer marker found past
// 40% of it, provided at least 20% of the text survives. This removes
// footers followed by non-footer boilerplate (addresses, legal lines)
// that the backward walk cannot reach.
func cutFooterRegion(body string) string {
	total := len(body)
	if total == 0 {
		return body
	}
	offset := 0
	for _, line := range strings.Split(body, "\n") {
		if offset*5 >= total*2 && reFooter.MatchString(line) {
			cut := strings.TrimSpace(body[:offset])
			if len(cut)*5 >= total {
				return cut
			}
			break
		}
		offset += len(line) + 1
	}
	return body
}

// trimTrailingFooter walks backward from the end, dropping footer-like
// and blank lines until content is reached.
func trimTrailingFooter(body string) string {
	lines := strings.Split(body, "\n")
	end := len(lines)
	for end > 0 {
		line := strings.TrimSpace(lines[end-1])
		if line == "" || reFooter.MatchString(line) {
			end--
			continue
		}
		break
	}
	return strings.Join(lines[:end], "\n")
}

func rewriteURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	q := u.Query()
	changed := false
	for k := range q {
		if trackingParams[strings.ToLower(k)] {
			q.Del(k)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	out := u.String()
	if len(out) > maxURLLen {
		first := "/"
		if segs := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2); segs[0] != "" {
			first = "/" + segs[0]
		}
		return u.Scheme + "://" + u.Host + first + "/..."
	}
	return out
}

var reSpaceRuns = regexp.MustCompile(`\s+`)

// Snippet collapses whitespace and truncates to SnippetLimit
// characters, backing up to a word boundary when one falls in the last
// 30% of the window, with an ellipsis marking the cut.
func Snippet(body string) string {
	s := strings.TrimSpace(reSpaceRuns.ReplaceAllString(body, " "))
	runes := []rune(s)
	if len(runes) <= SnippetLimit {
		return s
	}
	cut := string(runes[:SnippetLimit])
	if idx := strings.LastIndex(cut, " "); idx >= SnippetLimit*7/10 {
		cut = cut[:idx]
	}
	return cut + "..."
}
