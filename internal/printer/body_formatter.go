package printer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"mime"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	nethtml "golang.org/x/net/html"

	"github.com/funnyzak/mockproxy/internal/logger"
)

type bodyFormatter struct {
	pretty     bool
	maxPreview int
	logger     logger.Logger
}

type formattedBody struct {
	Text    string
	Notices []string
}

func newBodyFormatter(pretty bool, maxPreview int, log logger.Logger) *bodyFormatter {
	return &bodyFormatter{pretty: pretty, maxPreview: maxPreview, logger: log}
}

// Format renders body for display according to its content type.
func (f *bodyFormatter) Format(contentType, body string) formattedBody {
	if body == "" {
		return formattedBody{}
	}
	var res formattedBody
	if f.pretty {
		mediaType := normalizeMediaType(contentType)
		var ok bool
		if res, ok = f.formatJSON(mediaType, body); !ok {
			if res, ok = f.formatForm(mediaType, body); !ok {
				if res, ok = f.formatHTML(mediaType, body); !ok {
					res = formattedBody{Text: body}
				}
			}
		}
	} else {
		res = formattedBody{Text: body}
	}
	if f.maxPreview > 0 && len(res.Text) > f.maxPreview {
		res.Text = truncateUTF8(res.Text, f.maxPreview)
		res.Notices = append(res.Notices, fmt.Sprintf("Body truncated to %s of %s",
			humanize.Bytes(uint64(f.maxPreview)), humanize.Bytes(uint64(len(body)))))
	}
	return res
}

func (f *bodyFormatter) formatJSON(mediaType, body string) (formattedBody, bool) {
	if !looksLikeJSON(mediaType, body) {
		return formattedBody{}, false
	}
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return formattedBody{}, false
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		if f.logger != nil {
			f.logger.Debug("json indent failed", "error", err)
		}
		return formattedBody{}, false
	}
	return formattedBody{Text: buf.String()}, true
}

func (f *bodyFormatter) formatForm(mediaType, body string) (formattedBody, bool) {
	if !strings.Contains(mediaType, "application/x-www-form-urlencoded") {
		return formattedBody{}, false
	}
	values, err := url.ParseQuery(body)
	if err != nil {
		if f.logger != nil {
			f.logger.Debug("form parse failed", "error", err)
		}
		return formattedBody{}, false
	}
	if len(values) == 0 {
		return formattedBody{Text: body}, true
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	maxKeyWidth := runewidth.StringWidth("Key")
	for _, key := range keys {
		if w := runewidth.StringWidth(key); w > maxKeyWidth {
			maxKeyWidth = w
		}
	}
	var builder strings.Builder
	builder.WriteString("Form data:\n")
	fmt.Fprintf(&builder, "%s │ %s\n", runewidth.FillRight("Key", maxKeyWidth), "Value")
	builder.WriteString(strings.Repeat("─", maxKeyWidth) + "─┼" + strings.Repeat("─", 40) + "\n")
	for _, key := range keys {
		fmt.Fprintf(&builder, "%s │ %s\n", runewidth.FillRight(key, maxKeyWidth), strings.Join(values[key], ", "))
	}
	return formattedBody{Text: builder.String()}, true
}

func (f *bodyFormatter) formatHTML(mediaType, body string) (formattedBody, bool) {
	if !strings.Contains(mediaType, "html") && !looksLikeHTML(body) {
		return formattedBody{}, false
	}
	formatted, err := prettyHTML(body)
	if err != nil {
		if f.logger != nil {
			f.logger.Debug("html pretty failed", "error", err)
		}
		return formattedBody{Text: body}, true
	}
	return formattedBody{Text: formatted}, true
}

func normalizeMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(mediaType)
}

func looksLikeJSON(mediaType, body string) bool {
	if strings.Contains(mediaType, "json") {
		return true
	}
	trimmed := strings.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	first := trimmed[0]
	last := trimmed[len(trimmed)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

func looksLikeHTML(body string) bool {
	trimmed := strings.TrimSpace(body)
	if len(trimmed) < 5 {
		return false
	}
	lower := strings.ToLower(trimmed[:5])
	return strings.HasPrefix(lower, "<html") || strings.HasPrefix(lower, "<!doc")
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func prettyHTML(data string) (string, error) {
	node, err := nethtml.Parse(strings.NewReader(data))
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	renderHTMLNode(&builder, node, 0)
	return builder.String(), nil
}

func renderHTMLNode(builder *strings.Builder, node *nethtml.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	switch node.Type {
	case nethtml.DocumentNode:
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			renderHTMLNode(builder, child, depth)
		}
	case nethtml.ElementNode:
		builder.WriteString(indent + "<" + node.Data)
		for _, attr := range node.Attr {
			fmt.Fprintf(builder, " %s=\"%s\"", attr.Key, html.EscapeString(attr.Val))
		}
		if isVoidElement(node.Data) {
			builder.WriteString(" />\n")
			return
		}
		builder.WriteString(">\n")
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			renderHTMLNode(builder, child, depth+1)
		}
		builder.WriteString(indent + "</" + node.Data + ">\n")
	case nethtml.TextNode:
		if text := strings.TrimSpace(node.Data); text != "" {
			builder.WriteString(indent + text + "\n")
		}
	case nethtml.CommentNode:
		builder.WriteString(indent + "<!--" + strings.TrimSpace(node.Data) + "-->\n")
	}
}

func isVoidElement(tag string) bool {
	switch strings.ToLower(tag) {
	case "area", "base", "br", "col", "embed", "hr", "img", "input", "link", "meta", "param", "source", "track", "wbr":
		return true
	default:
		return false
	}
}
