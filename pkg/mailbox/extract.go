package mailbox

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var codePattern = regexp.MustCompile(`(?i)code to confirm your identity[:\s]*([0-9]{6})`)

// ExtractCode pulls the six-digit confirmation code out of a message body.
func ExtractCode(body string) (string, bool) {
	m := codePattern.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// MatchesVerification reports whether an envelope looks like the app's
// identity-confirmation mail.
func MatchesVerification(subject, from string) bool {
	return strings.Contains(strings.ToLower(subject), "verify your account") &&
		strings.Contains(strings.ToLower(from), "security@mail.instagram.com")
}

// HTMLToText flattens an HTML body to its visible text so the code regex
// can run over it. Script and style contents are skipped.
func HTMLToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String()
}
