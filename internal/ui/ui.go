// Package ui holds the terminal helpers of the command line: colored
// status text and the interactive overwrite prompt.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorBlue   = lipgloss.Color("#3b82f6")
	colorRed    = lipgloss.Color("#ef4444")
	colorYellow = lipgloss.Color("#eab308")
	colorGreen  = lipgloss.Color("#22c55e")

	normalStyle  = lipgloss.NewStyle().Foreground(colorBlue)
	errorStyle   = lipgloss.NewStyle().Foreground(colorRed)
	warningStyle = lipgloss.NewStyle().Foreground(colorYellow)
	passStyle    = lipgloss.NewStyle().Foreground(colorGreen)
)

// ErrAborted is returned when the user aborts a prompt.
var ErrAborted = errors.New("aborted")

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Printer writes status lines, colored when the output is a terminal.
type Printer struct {
	out   io.Writer
	color bool
}

func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, color: IsTerminal(out)}
}

func (p *Printer) style(s lipgloss.Style, v any) string {
	text := fmt.Sprint(v)
	if !p.color {
		return text
	}
	return s.Render(text)
}

// Normal, Error, Warning and Pass render a value for use inside a line.
func (p *Printer) Normal(v any) string  { return p.style(normalStyle, v) }
func (p *Printer) Error(v any) string   { return p.style(errorStyle, v) }
func (p *Printer) Warning(v any) string { return p.style(warningStyle, v) }
func (p *Printer) Pass(v any) string    { return p.style(passStyle, v) }

// Println writes a line.
func (p *Printer) Println(a ...any) {
	fmt.Fprintln(p.out, a...)
}

// Printf writes formatted text.
func (p *Printer) Printf(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer {
	return p.out
}

// Answer is the reply to an overwrite prompt.
type Answer int

const (
	Abort Answer = iota
	Overwrite
	KeepBoth
)

// Prompter asks the user how to handle an existing item.
type Prompter interface {
	Ask(ctx context.Context, title string, options ...huh.Option[Answer]) (Answer, error)
}

// FormPrompter asks through a huh form.
type FormPrompter struct{}

func (FormPrompter) Ask(ctx context.Context, title string, options ...huh.Option[Answer]) (Answer, error) {
	answer := Abort
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[Answer]().
				Title(title).
				Options(options...).
				Value(&answer),
		),
	).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return Abort, nil
	}
	if err != nil {
		return Abort, err
	}
	return answer, nil
}

// OverwriteOptions are the choices of the asset overwrite prompt.
func OverwriteOptions() []huh.Option[Answer] {
	return []huh.Option[Answer]{
		huh.NewOption("Overwrite the existing asset", Overwrite),
		huh.NewOption("Create a new asset with the same name", KeepBoth),
		huh.NewOption("Abort", Abort),
	}
}

// ProceedOptions are the choices of a yes or abort prompt.
func ProceedOptions() []huh.Option[Answer] {
	return []huh.Option[Answer]{
		huh.NewOption("Proceed", Overwrite),
		huh.NewOption("Abort", Abort),
	}
}

// Resolve decides what to do with an existing item. force overwrites
// without asking. Without a terminal there is nobody to ask and the
// caller gets an error suggesting --force. An Abort answer returns
// ErrAborted.
func Resolve(ctx context.Context, p Prompter, force, interactive bool, title string, options []huh.Option[Answer]) (Answer, error) {
	if force {
		return Overwrite, nil
	}
	if !interactive || p == nil {
		return Abort, fmt.Errorf("%s: rerun with --force to proceed", title)
	}

	answer, err := p.Ask(ctx, title, options...)
	if err != nil {
		return Abort, err
	}
	if answer == Abort {
		return Abort, ErrAborted
	}
	return answer, nil
}
