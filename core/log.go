package core

import (
	"io"

	"github.com/rs/zerolog"
)

type Log interface {
	Info() *zerolog.Event
	Debug() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
}

type logger struct {
	l zerolog.Logger
}

func NewLog(l zerolog.Logger) Log {
	return &logger{l: l}
}

func NewConsoleLog(w io.Writer) Log {
	return &logger{l: zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()}
}

// NopLog discards everything. Handy in tests.
func NopLog() Log {
	return &logger{l: zerolog.Nop()}
}

func (z *logger) Info() *zerolog.Event  { return z.l.Info() }
func (z *logger) Debug() *zerolog.Event { return z.l.Debug() }
func (z *logger) Warn() *zerolog.Event  { return z.l.Warn() }
func (z *logger) Error() *zerolog.Event { return z.l.Error() }
