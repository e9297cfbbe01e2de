// Package markdown renders model output as the HTML subset Telegram accepts.
package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// Telegram rejects messages containing tags outside its small allowlist, so
// everything else is stripped after rendering.
var allowedTags = map[string]bool{
	"b": true, "i": true, "u": true, "s": true,
	"code": true, "pre": true, "a": true, "br": true,
}

var (
	paragraphPattern = regexp.MustCompile(`<p>(.*?)</p>`)
	codeBlockPattern = regexp.MustCompile(`<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	anyTagPattern    = regexp.MustCompile(`</?([a-zA-Z]+)(?:\s[^>]*)?>`)
	tagNamePattern   = regexp.MustCompile(`</?([a-zA-Z]+)`)
	blankRunPattern  = regexp.MustCompile(`\n{3,}`)
)

// ToTelegramHTML renders markdown text into Telegram-compatible HTML.
func ToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(text), blackfriday.WithExtensions(blackfriday.CommonExtensions)))
	return sanitize(html)
}

func sanitize(html string) string {
	html = paragraphPattern.ReplaceAllString(html, "$1\n")

	// Telegram spells emphasis <b>/<i>, not <strong>/<em>
	replacer := strings.NewReplacer(
		"<strong>", "<b>", "</strong>", "</b>",
		"<em>", "<i>", "</em>", "</i>",
		"<ul>", "", "</ul>", "",
		"<ol>", "", "</ol>", "",
		"<li>", "• ", "</li>", "\n",
	)
	html = replacer.Replace(html)

	html = codeBlockPattern.ReplaceAllString(html, "<pre>$1</pre>")

	html = anyTagPattern.ReplaceAllStringFunc(html, func(tag string) string {
		name := tagNamePattern.FindStringSubmatch(tag)
		if len(name) > 1 && allowedTags[strings.ToLower(name[1])] {
			return tag
		}
		return ""
	})

	html = blankRunPattern.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
