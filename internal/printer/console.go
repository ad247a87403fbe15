package printer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/codec"
)

// ColorScheme color scheme
type ColorScheme struct {
	OutcomeOK      *color.Color
	OutcomeError   *color.Color
	Location       *color.Color
	Label          *color.Color
	Separator      *color.Color
	Timestamp      *color.Color
	PayloadContent *color.Color
	BinaryNotice   *color.Color
	TruncateNotice *color.Color
	Context        *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		OutcomeOK:      color.New(color.FgGreen, color.Bold),
		OutcomeError:   color.New(color.FgRed, color.Bold),
		Location:       color.New(color.FgWhite, color.Bold),
		Label:          color.New(color.FgCyan),
		Separator:      color.New(color.FgYellow, color.Bold),
		Timestamp:      color.New(color.FgHiBlack),
		PayloadContent: color.New(color.FgWhite),
		BinaryNotice:   color.New(color.FgHiRed, color.Bold),
		TruncateNotice: color.New(color.FgHiYellow, color.Bold),
		Context:        color.New(color.FgHiMagenta),
	}
}

// ConsolePrinter console printer
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	view        config.PayloadViewConfig
	out         io.Writer
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(log logger.Logger, view *config.PayloadViewConfig) *ConsolePrinter {
	p := &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      logger.OrNop(log),
		out:         os.Stdout,
	}
	if view != nil {
		p.view = *view
	}
	return p
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	width := 80
	if testWidth := os.Getenv("REPLAYTAP_TEST_WIDTH"); testWidth != "" {
		if w, err := strconv.Atoi(testWidth); err == nil {
			width = w
		}
	} else if f, ok := p.out.(*os.File); ok {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil {
			width = w
		}
	}

	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

// PrintCheckpoint prints one received checkpoint
func (p *ConsolePrinter) PrintCheckpoint(stored *storage.StoredCheckpoint) error {
	num := nextCheckpointNumber()
	width := p.getTerminalWidth()
	rec := stored.Checkpoint

	p.printSummary(num, stored, width)
	p.printLocationLine(rec, width)
	p.printLabels(rec.Metadata.Labels, width)
	p.printPayload("Input", rec.Input, rec.Metadata.InputHint)
	p.printPayload("Output", rec.Output, rec.Metadata.OutputHint)
	fmt.Fprintln(p.out)
	return nil
}

func (p *ConsolePrinter) printSummary(num uint64, stored *storage.StoredCheckpoint, width int) {
	separator := strings.Repeat("-", width)
	timestamp := checkpoint.Time(stored.Checkpoint.StartTS).Format(time.RFC3339Nano)

	p.colorScheme.Separator.Fprintln(p.out, separator)
	p.colorScheme.Separator.Fprintf(p.out, "Checkpoint #%d  ", num)
	p.colorScheme.Timestamp.Fprintln(p.out, timestamp)
	p.printMetadataLine(stored)
	p.colorScheme.Separator.Fprintln(p.out, separator)
}

func (p *ConsolePrinter) printMetadataLine(stored *storage.StoredCheckpoint) {
	rec := stored.Checkpoint
	first := true
	field := func(label string, c *color.Color, value string) {
		if !first {
			fmt.Fprint(p.out, " | ")
		}
		first = false
		p.colorScheme.Label.Fprint(p.out, label+": ")
		c.Fprint(p.out, value)
	}

	if rec.Metadata.Name != "" {
		field("Recorder", p.colorScheme.PayloadContent, rec.Metadata.Name)
	}
	if rec.Metadata.Context != "" {
		field("Context", p.colorScheme.Context, rec.Metadata.Context)
	}
	span := checkpoint.TimeRange{Start: rec.StartTS, Finish: rec.FinishTS}
	field("Duration", p.colorScheme.PayloadContent, span.Duration().Round(time.Microsecond).String())
	field("Size", p.colorScheme.PayloadContent, humanize.Bytes(uint64(len(rec.Input)+len(rec.Output))))
	if stored.Seq > 0 {
		field("Seq", p.colorScheme.PayloadContent, humanize.Comma(stored.Seq))
	}
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) printLocationLine(rec checkpoint.Record, width int) {
	outcome, c := "OK", p.colorScheme.OutcomeOK
	if rec.Metadata.Outcome == checkpoint.OutcomeError {
		outcome, c = "ERROR", p.colorScheme.OutcomeError
	}
	c.Fprintf(p.out, "%-5s ", outcome)

	location := runewidth.Truncate(rec.Location, width-6, "…")
	p.colorScheme.Location.Fprintln(p.out, location)
}

func (p *ConsolePrinter) printLabels(labels map[string]string, width int) {
	if len(labels) == 0 {
		return
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)

	prefix := "Labels: "
	available := width - runewidth.StringWidth(prefix)
	if available < 20 {
		available = 20
	}
	lines := p.wrapText(strings.Join(pairs, " "), available)
	p.colorScheme.Label.Fprint(p.out, prefix)
	p.colorScheme.PayloadContent.Fprintln(p.out, lines[0])

	indent := strings.Repeat(" ", runewidth.StringWidth(prefix))
	for _, line := range lines[1:] {
		fmt.Fprint(p.out, indent)
		p.colorScheme.PayloadContent.Fprintln(p.out, line)
	}
}

func (p *ConsolePrinter) printPayload(label string, raw json.RawMessage, hint string) {
	p.colorScheme.Label.Fprintf(p.out, "%s:\n", label)

	if hint != "" && codec.Hint(hint) != codec.HintJSON {
		p.colorScheme.BinaryNotice.Fprintf(p.out, "[Binary payload: %s, %s. Content skipped.]\n",
			hint, humanize.Bytes(uint64(len(raw))))
		return
	}
	if len(raw) == 0 {
		p.colorScheme.PayloadContent.Fprintln(p.out, "null")
		return
	}

	text, truncated := p.formatPayload(raw)
	for _, line := range strings.Split(text, "\n") {
		p.colorScheme.PayloadContent.Fprintln(p.out, strings.TrimRight(line, "\r"))
	}
	if truncated {
		p.colorScheme.TruncateNotice.Fprintf(p.out, "[Showing first %s of %s]\n",
			humanize.Bytes(uint64(p.view.MaxPreviewBytes)), humanize.Bytes(uint64(len(raw))))
	}
}

// formatPayload indents small payloads and cuts those beyond the preview
// limit.
func (p *ConsolePrinter) formatPayload(raw json.RawMessage) (string, bool) {
	text := string(raw)
	if p.view.Pretty && (p.view.MaxIndentBytes == 0 || len(raw) <= p.view.MaxIndentBytes) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err == nil {
			text = buf.String()
		}
	}

	limit := p.view.MaxPreviewBytes
	if limit <= 0 || len(raw) <= limit || len(text) <= limit {
		return text, false
	}
	return strings.ToValidUTF8(text[:limit], ""), true
}

// wrapText wraps text to fit within maxWidth display columns, preserving words
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
