package log

import (
	stdlog "log"
	"strings"
)

// RedirectStdLog routes the standard library's default logger, used by
// pebble among others, through l.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdLogWriter{l: l.WithComponent("stdlog")})
}

type stdLogWriter struct{ l Logger }

func (w stdLogWriter) Write(p []byte) (int, error) {
	w.l.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
