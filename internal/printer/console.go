package printer

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/funnyzak/mockproxy/internal/config"
	"github.com/funnyzak/mockproxy/internal/logger"
	"github.com/funnyzak/mockproxy/pkg/record"
)

// ColorScheme color scheme
type ColorScheme struct {
	MethodGET      *color.Color
	MethodPOST     *color.Color
	MethodPUT      *color.Color
	MethodDELETE   *color.Color
	MethodPATCH    *color.Color
	HeaderKey      *color.Color
	HeaderValue    *color.Color
	Separator      *color.Color
	Timestamp      *color.Color
	BodyContent    *color.Color
	TruncateNotice *color.Color
	RemoteAddr     *color.Color
	Query          *color.Color
	MockBadge      *color.Color
	Status2xx      *color.Color
	Status3xx      *color.Color
	Status4xx      *color.Color
	Status5xx      *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:      color.New(color.FgBlue, color.Bold),
		MethodPOST:     color.New(color.FgGreen, color.Bold),
		MethodPUT:      color.New(color.FgYellow, color.Bold),
		MethodDELETE:   color.New(color.FgRed, color.Bold),
		MethodPATCH:    color.New(color.FgMagenta, color.Bold),
		HeaderKey:      color.New(color.FgCyan),
		HeaderValue:    color.New(color.FgWhite),
		Separator:      color.New(color.FgYellow, color.Bold),
		Timestamp:      color.New(color.FgHiBlack),
		BodyContent:    color.New(color.FgWhite),
		TruncateNotice: color.New(color.FgHiYellow, color.Bold),
		RemoteAddr:     color.New(color.FgHiBlue),
		Query:          color.New(color.FgHiMagenta),
		MockBadge:      color.New(color.FgBlack, color.BgHiCyan, color.Bold),
		Status2xx:      color.New(color.FgGreen, color.Bold),
		Status3xx:      color.New(color.FgCyan, color.Bold),
		Status4xx:      color.New(color.FgYellow, color.Bold),
		Status5xx:      color.New(color.FgRed, color.Bold),
	}
}

// ConsolePrinter prints exchanges in a raw HTTP message layout
type ConsolePrinter struct {
	mu          sync.Mutex
	colorScheme *ColorScheme
	logger      logger.Logger
	formatter   *bodyFormatter
	out         io.Writer
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(log logger.Logger, cfg *config.OutputConfig) *ConsolePrinter {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      log,
		formatter:   newBodyFormatter(cfg.Pretty, cfg.MaxBodyPreview, log),
		out:         os.Stdout,
	}
}

// SetOutput replaces the output target
func (p *ConsolePrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.mu.Lock()
	p.out = w
	p.mu.Unlock()
}

// PrintExchange prints the request followed by its response
func (p *ConsolePrinter) PrintExchange(entry *record.RequestLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	num := nextExchangeNumber()
	width := p.getTerminalWidth()

	p.printSummary(num, entry, width)
	p.printRequestLine(entry)
	p.printHeaders(entry.Headers, width)
	fmt.Fprintln(p.out)
	p.printBody(entry.Headers.Get("Content-Type"), entry.Body)
	fmt.Fprintln(p.out)

	if entry.Pending() {
		return nil
	}
	p.printStatusLine(entry)
	p.printHeaders(entry.ResponseHeaders, width)
	fmt.Fprintln(p.out)
	body := ""
	if entry.ResponseBody != nil {
		body = *entry.ResponseBody
	}
	p.printBody(entry.ResponseHeaders.Get("Content-Type"), body)
	fmt.Fprintln(p.out)
	return nil
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("MOCKPROXY_TEST_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

// wrapText wraps text to fit within maxWidth display columns, preserving words
func wrapText(text string, maxWidth int) []string {
	words := strings.Fields(text)
	if maxWidth <= 0 || len(words) == 0 {
		return []string{text}
	}

	var lines []string
	currentLine := words[0]
	currentWidth := runewidth.StringWidth(currentLine)
	for _, word := range words[1:] {
		wordWidth := runewidth.StringWidth(word)
		if currentWidth+1+wordWidth > maxWidth {
			lines = append(lines, currentLine)
			currentLine = word
			currentWidth = wordWidth
			continue
		}
		currentLine += " " + word
		currentWidth += 1 + wordWidth
	}
	return append(lines, currentLine)
}

func (p *ConsolePrinter) printSummary(num uint64, entry *record.RequestLog, width int) {
	separator := strings.Repeat("-", clampWidth(width))
	p.colorScheme.Separator.Fprintln(p.out, separator)
	p.colorScheme.Separator.Fprintf(p.out, "Exchange #%d  ", num)
	p.colorScheme.Timestamp.Fprintln(p.out, entry.CreatedAt.Local().Format("2006-01-02T15:04:05-07:00"))
	p.printMetadataLine(entry)
	p.colorScheme.Separator.Fprintln(p.out, separator)
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) printMetadataLine(entry *record.RequestLog) {
	first := true
	addSep := func() {
		if first {
			first = false
			return
		}
		fmt.Fprint(p.out, " | ")
	}

	if entry.Mocked() {
		addSep()
		p.colorScheme.MockBadge.Fprint(p.out, " MOCK ")
	}
	if entry.RemoteAddr != "" {
		addSep()
		fmt.Fprint(p.out, "Remote: ")
		p.colorScheme.RemoteAddr.Fprint(p.out, entry.RemoteAddr)
	}
	if ua := entry.Headers.Get("User-Agent"); ua != "" {
		addSep()
		fmt.Fprint(p.out, "UA: ")
		p.colorScheme.BodyContent.Fprint(p.out, ua)
	}
	addSep()
	fmt.Fprint(p.out, "Size: ")
	p.colorScheme.BodyContent.Fprint(p.out, humanize.Bytes(uint64(len(entry.Body))))
	if entry.ResponseTimeMs != nil {
		addSep()
		fmt.Fprintf(p.out, "Time: %dms", *entry.ResponseTimeMs)
	}
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) printRequestLine(entry *record.RequestLog) {
	method := strings.ToUpper(entry.Method)
	target := entry.URL
	if target == "" {
		target = "/"
	}
	path, query, _ := strings.Cut(target, "?")

	p.getMethodColor(method).Fprintf(p.out, "%s ", method)
	fmt.Fprint(p.out, path)
	if query != "" {
		fmt.Fprint(p.out, "?")
		p.colorScheme.Query.Fprint(p.out, query)
	}
	fmt.Fprintln(p.out, " HTTP/1.1")
}

func (p *ConsolePrinter) printStatusLine(entry *record.RequestLog) {
	status := *entry.ResponseStatus
	text := http.StatusText(status)
	p.getStatusColor(status).Fprintf(p.out, "HTTP/1.1 %d", status)
	if text != "" {
		fmt.Fprintf(p.out, " %s", text)
	}
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) printHeaders(headers http.Header, width int) {
	if len(headers) == 0 {
		return
	}

	keys := make([]string, 0, len(headers))
	for key := range headers {
		if shouldSkipHeader(strings.ToLower(key)) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		displayValue := strings.Join(headers[key], ", ")
		if isSensitiveHeader(strings.ToLower(key)) {
			displayValue = "[REDACTED]"
		}
		p.printHeaderLine(key, displayValue, width)
	}
}

func (p *ConsolePrinter) printHeaderLine(key, value string, width int) {
	prefix := key + ": "
	available := width - runewidth.StringWidth(prefix)
	if available < 20 {
		available = 20
	}

	wrapped := wrapText(value, available)
	p.colorScheme.HeaderKey.Fprint(p.out, prefix)
	p.colorScheme.HeaderValue.Fprintln(p.out, wrapped[0])

	indent := strings.Repeat(" ", runewidth.StringWidth(prefix))
	for _, line := range wrapped[1:] {
		fmt.Fprint(p.out, indent)
		p.colorScheme.HeaderValue.Fprintln(p.out, line)
	}
}

func (p *ConsolePrinter) printBody(contentType, body string) {
	if body == "" {
		p.colorScheme.BodyContent.Fprintf(p.out, "[Empty Body - %s]\n", humanize.Bytes(0))
		return
	}

	formatted := p.formatter.Format(contentType, body)
	for _, line := range strings.Split(formatted.Text, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" {
			fmt.Fprintln(p.out)
			continue
		}
		p.colorScheme.BodyContent.Fprintln(p.out, trimmed)
	}
	for _, notice := range formatted.Notices {
		p.colorScheme.TruncateNotice.Fprintf(p.out, "[%s]\n", notice)
	}
}

// getMethodColor gets the corresponding color based on HTTP method
func (p *ConsolePrinter) getMethodColor(method string) *color.Color {
	switch method {
	case "GET":
		return p.colorScheme.MethodGET
	case "POST":
		return p.colorScheme.MethodPOST
	case "PUT":
		return p.colorScheme.MethodPUT
	case "DELETE":
		return p.colorScheme.MethodDELETE
	case "PATCH":
		return p.colorScheme.MethodPATCH
	default:
		return color.New(color.FgWhite, color.Bold)
	}
}

func (p *ConsolePrinter) getStatusColor(status int) *color.Color {
	switch {
	case status >= 500:
		return p.colorScheme.Status5xx
	case status >= 400:
		return p.colorScheme.Status4xx
	case status >= 300:
		return p.colorScheme.Status3xx
	default:
		return p.colorScheme.Status2xx
	}
}

func isSensitiveHeader(key string) bool {
	switch key {
	case "authorization", "cookie", "set-cookie", "x-api-key", "x-auth-token", "x-csrf-token", "x-session-token":
		return true
	}
	return false
}

func shouldSkipHeader(key string) bool {
	switch key {
	case "connection", "keep-alive", "proxy-connection", "te", "trailer", "transfer-encoding", "upgrade":
		return true
	}
	return false
}
