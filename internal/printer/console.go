package printer

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/pkg/recording"
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
	BinaryNotice   *color.Color
	TruncateNotice *color.Color
	Query          *color.Color
	Mode           *color.Color
	Session        *color.Color
	StatusOK       *color.Color
	StatusWarn     *color.Color
	Failure        *color.Color
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
		BinaryNotice:   color.New(color.FgHiRed, color.Bold),
		TruncateNotice: color.New(color.FgHiYellow, color.Bold),
		Query:          color.New(color.FgHiMagenta),
		Mode:           color.New(color.FgHiCyan, color.Bold),
		Session:        color.New(color.FgHiBlue),
		StatusOK:       color.New(color.FgGreen, color.Bold),
		StatusWarn:     color.New(color.FgYellow, color.Bold),
		Failure:        color.New(color.FgRed, color.Bold),
	}
}

// ConsolePrinter console printer
type ConsolePrinter struct {
	colorScheme *ColorScheme
	formatter   *bodyFormatter
	logger      logger.Logger

	mu  sync.Mutex
	out io.Writer
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("RECPROXY_TEST_WIDTH"); testWidth != "" {
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
	if width < 40 {
		return 40
	}
	if width > 150 {
		return 150
	}
	return width
}

// wrapText wraps text to fit within the specified display width, preserving words
func (p *ConsolePrinter) wrapText(text string, maxWidth int) []string {
	if maxWidth <= 0 {
		return []string{text}
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
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

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(logger logger.Logger, maxPreview int) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		formatter:   newBodyFormatter(maxPreview, logger),
		logger:      logger,
		out:         os.Stdout,
	}
}

// SetOutput replaces the output target
func (p *ConsolePrinter) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	p.out = w
}

// PrintInteraction prints the request and its outcome as raw HTTP message layout
func (p *ConsolePrinter) PrintInteraction(it *Interaction) error {
	if it == nil || it.Request == nil {
		return nil
	}
	num := nextInteractionNumber()
	width := p.getTerminalWidth()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.printSummary(num, it, width)
	p.printRequestLine(it.Request)
	p.printHeaders(it.Request.Headers, width)
	fmt.Fprintln(p.out)
	p.printBody(it.Request.Body, it.Request.Headers)
	fmt.Fprintln(p.out)
	p.printOutcome(it, width)
	fmt.Fprintln(p.out)
	return nil
}

func (p *ConsolePrinter) printSummary(num uint64, it *Interaction, width int) {
	separator := p.buildSeparator(width)
	cs := p.colorScheme
	cs.Separator.Fprintln(p.out, separator)
	cs.Separator.Fprintf(p.out, "Interaction #%d  ", num)
	cs.Timestamp.Fprintln(p.out, it.Timestamp.Format("2006-01-02T15:04:05-07:00"))
	p.printMetadataLine(it)
	cs.Separator.Fprintln(p.out, separator)
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) buildSeparator(width int) string {
	return strings.Repeat("-", clampWidth(width))
}

func (p *ConsolePrinter) printMetadataLine(it *Interaction) {
	cs := p.colorScheme
	fmt.Fprint(p.out, "Mode: ")
	cs.Mode.Fprint(p.out, strings.ToUpper(it.Mode))
	fmt.Fprint(p.out, " | Session: ")
	cs.Session.Fprint(p.out, it.SessionID)
	if ct := it.Request.Headers.Get("Content-Type"); ct != "" {
		fmt.Fprint(p.out, " | Content-Type: ")
		cs.HeaderValue.Fprint(p.out, ct)
	}
	fmt.Fprint(p.out, " | Size: ")
	cs.BodyContent.Fprint(p.out, humanize.Bytes(uint64(len(it.Request.Body))))
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) printRequestLine(req *recording.Request) {
	method := strings.ToUpper(req.Method)
	target := req.URI
	query := ""
	if u, err := url.Parse(req.URI); err == nil && u.RawQuery != "" {
		query = u.RawQuery
		u.RawQuery = ""
		target = u.String()
	}
	if target == "" {
		target = "/"
	}

	p.getMethodColor(method).Fprintf(p.out, "%s ", method)
	fmt.Fprint(p.out, target)
	if query != "" {
		fmt.Fprint(p.out, "?")
		p.colorScheme.Query.Fprint(p.out, query)
	}
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) printOutcome(it *Interaction, width int) {
	cs := p.colorScheme
	elapsed := it.Duration.Round(time.Millisecond)
	if it.Response == nil {
		cs.Failure.Fprintf(p.out, "<- %d ", it.Status)
		fmt.Fprintf(p.out, "(%s)\n", elapsed)
		if it.Error != "" {
			for _, line := range p.wrapText(it.Error, width) {
				cs.Failure.Fprintln(p.out, line)
			}
		}
		return
	}

	statusColor := cs.StatusOK
	switch {
	case it.Response.StatusCode >= 500:
		statusColor = cs.Failure
	case it.Response.StatusCode >= 400:
		statusColor = cs.StatusWarn
	}
	statusColor.Fprintf(p.out, "<- %d %s ", it.Response.StatusCode, http.StatusText(it.Response.StatusCode))
	fmt.Fprintf(p.out, "(%s", elapsed)
	if it.Mode == "playback" {
		fmt.Fprint(p.out, ", ")
		if it.Matched {
			cs.StatusOK.Fprint(p.out, "matched")
		} else {
			cs.Failure.Fprint(p.out, "unmatched")
		}
	}
	fmt.Fprintln(p.out, ")")
	p.printHeaders(it.Response.Headers, width)
	fmt.Fprintln(p.out)
	p.printBody(it.Response.Body, it.Response.Headers)
}

func (p *ConsolePrinter) printHeaders(headers http.Header, width int) {
	if len(headers) == 0 {
		return
	}

	keys := make([]string, 0, len(headers))
	for key := range headers {
		if p.shouldSkipHeader(strings.ToLower(key)) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		displayValue := strings.Join(headers[key], ", ")
		if p.isSensitiveHeader(strings.ToLower(key)) {
			displayValue = "[REDACTED]"
		}
		p.printHeaderLine(key, displayValue, width)
	}
}

func (p *ConsolePrinter) printHeaderLine(key, value string, width int) {
	if width <= 0 {
		width = 80
	}

	prefix := key + ": "
	prefixWidth := runewidth.StringWidth(prefix)
	available := width - prefixWidth
	if available < 20 {
		available = 20
	}

	wrapped := p.wrapText(value, available)
	p.colorScheme.HeaderKey.Fprint(p.out, prefix)
	p.colorScheme.HeaderValue.Fprintln(p.out, wrapped[0])

	indent := strings.Repeat(" ", prefixWidth)
	for _, line := range wrapped[1:] {
		fmt.Fprint(p.out, indent)
		p.colorScheme.HeaderValue.Fprintln(p.out, line)
	}
}

func (p *ConsolePrinter) printBody(body []byte, headers http.Header) {
	bodySize := humanize.Bytes(uint64(len(body)))
	if len(body) == 0 {
		p.colorScheme.BodyContent.Fprintf(p.out, "[Empty Body - %s]\n", bodySize)
		return
	}

	contentType := headers.Get("Content-Type")
	if !recording.IsIdentityEncoded(headers) || !utf8.Valid(body) {
		p.colorScheme.BinaryNotice.Fprintf(p.out, "[Binary Body: %s, %s. Content skipped.]\n", contentType, bodySize)
		return
	}

	formatted := p.formatter.Format(body, contentType)
	for _, line := range strings.Split(formatted.Text, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" {
			fmt.Fprintln(p.out)
			continue
		}
		p.colorScheme.BodyContent.Fprintln(p.out, trimmed)
	}
	for _, notice := range formatted.Notices {
		p.colorScheme.TruncateNotice.Fprintln(p.out, notice)
	}
}

// getMethodColor gets the corresponding color based on HTTP method
func (p *ConsolePrinter) getMethodColor(method string) *color.Color {
	switch strings.ToUpper(method) {
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

// isSensitiveHeader checks if it's sensitive header information
func (p *ConsolePrinter) isSensitiveHeader(key string) bool {
	sensitiveHeaders := map[string]bool{
		"authorization":   true,
		"cookie":          true,
		"set-cookie":      true,
		"x-api-key":       true,
		"x-auth-token":    true,
		"x-csrf-token":    true,
		"x-session-token": true,
	}
	return sensitiveHeaders[key]
}

// shouldSkipHeader checks if header should be skipped from display
func (p *ConsolePrinter) shouldSkipHeader(key string) bool {
	skipHeaders := map[string]bool{
		"connection":        true,
		"keep-alive":        true,
		"proxy-connection":  true,
		"te":                true,
		"trailer":           true,
		"transfer-encoding": true,
		"upgrade":           true,
	}
	return skipHeaders[key]
}
