package sandbox

import (
	"bytes"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	mdRenderer    goldmark.Markdown
	htmlSanitizer *bluemonday.Policy
	textStripper  *bluemonday.Policy
)

func init() {
	mdRenderer = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
	)

	htmlSanitizer = bluemonday.UGCPolicy()
	textStripper = bluemonday.StrictPolicy()
}

// renderMarkdown converts markdown to sanitized HTML.
func renderMarkdown(src string) string {
	if src == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := mdRenderer.Convert([]byte(src), &buf); err != nil {
		return htmlSanitizer.Sanitize(src)
	}

	return htmlSanitizer.Sanitize(buf.String())
}

// htmlToText strips every tag, decodes entities and collapses runs of
// whitespace within lines. Block boundaries become newlines.
func htmlToText(src string) string {
	if src == "" {
		return ""
	}

	r := strings.NewReplacer(
		"</p>", "</p>\n", "<br>", "<br>\n", "<br/>", "<br/>\n", "<br />", "<br />\n",
		"</li>", "</li>\n", "</h1>", "</h1>\n", "</h2>", "</h2>\n", "</h3>", "</h3>\n",
		"</h4>", "</h4>\n", "</pre>", "</pre>\n", "</div>", "</div>\n", "</tr>", "</tr>\n",
	)
	stripped := html.UnescapeString(textStripper.Sanitize(r.Replace(src)))

	lines := strings.Split(stripped, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
