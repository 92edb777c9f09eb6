package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the leveled key-value logger injected into every component.
// Keys and values are passed as alternating arguments, e.g.
// log.Error("failed to load conversations", "user_id", id, "error", err).
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Fatal(msg string, keysAndValues ...interface{})
	With(keysAndValues ...interface{}) Logger
}

type zerologLogger struct {
	l zerolog.Logger
}

func New(level string) Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	l := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	return &zerologLogger{l: l}
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() Logger {
	return &zerologLogger{l: zerolog.Nop()}
}

func (z *zerologLogger) Debug(msg string, keysAndValues ...interface{}) {
	emit(z.l.Debug(), msg, keysAndValues)
}

func (z *zerologLogger) Info(msg string, keysAndValues ...interface{}) {
	emit(z.l.Info(), msg, keysAndValues)
}

func (z *zerologLogger) Warn(msg string, keysAndValues ...interface{}) {
	emit(z.l.Warn(), msg, keysAndValues)
}

func (z *zerologLogger) Error(msg string, keysAndValues ...interface{}) {
	emit(z.l.Error(), msg, keysAndValues)
}

func (z *zerologLogger) Fatal(msg string, keysAndValues ...interface{}) {
	emit(z.l.Fatal(), msg, keysAndValues)
}

func (z *zerologLogger) With(keysAndValues ...interface{}) Logger {
	ctx := z.l.With()
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, keysAndValues[i+1])
	}
	return &zerologLogger{l: ctx.Logger()}
}

func emit(e *zerolog.Event, msg string, keysAndValues []interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		switch v := keysAndValues[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
