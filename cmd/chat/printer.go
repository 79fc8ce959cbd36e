package main

import (
	"fmt"
	"hash/fnv"
	"io"
	"strconv"
	"sync"

	"proxchat/internal/chat"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
)

var handleColors = []color.Color{color.FgCyan, color.FgGreen, color.FgMagenta, color.FgYellow, color.FgBlue}

// printer renders inbound chat lines and control events on the terminal.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	colors bool
}

func newPrinter(out io.Writer, colors bool) *printer {
	return &printer{out: out, colors: colors}
}

func (p *printer) OnData(e chat.DataEvent) {
	handle := e.Handle
	if handle == "" {
		handle = shortID(e.From)
	}
	p.printf("%s %s\n", p.paint(colorFor(handle), "["+handle+"]"), e.Text)
}

func (p *printer) OnControl(e chat.ControlEvent) {
	var line string
	switch e.Kind {
	case chat.NameFound:
		line = fmt.Sprintf("session %q is available", e.Session)
	case chat.NameLost:
		line = fmt.Sprintf("session %q is gone", e.Session)
	case chat.MemberJoined:
		line = fmt.Sprintf("%s joined %q", memberName(e), e.Session)
	case chat.MemberLeft:
		line = fmt.Sprintf("%s left %q", memberName(e), e.Session)
	case chat.SessionLost:
		line = fmt.Sprintf("session %q ended: %s", e.Session, e.Reason)
	case chat.BusLost:
		line = "lost connection to the bus"
	default:
		return
	}
	p.printf("%s\n", p.paint(color.FgDarkGray, "* "+line))
}

func (p *printer) info(format string, args ...interface{}) {
	p.printf("%s\n", p.paint(color.FgDarkGray, "* "+fmt.Sprintf(format, args...)))
}

func (p *printer) fail(err error) {
	p.printf("%s\n", p.paint(color.FgRed, "! "+err.Error()))
}

// sessions renders the discovered session names as a table.
func (p *printer) sessions(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	table := tablewriter.NewWriter(p.out)
	table.SetHeader([]string{"#", "Session"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for i, name := range names {
		table.Append([]string{strconv.Itoa(i + 1), name})
	}
	table.Render()
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) paint(c color.Color, s string) string {
	if !p.colors {
		return s
	}
	return color.New(c).Render(s)
}

func colorFor(handle string) color.Color {
	h := fnv.New32a()
	h.Write([]byte(handle))
	return handleColors[h.Sum32()%uint32(len(handleColors))]
}

func memberName(e chat.ControlEvent) string {
	if e.Handle != "" {
		return e.Handle
	}
	return shortID(e.PeerID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
