// +build linux

// Wrapper around UNIX syslog, so that it also may be wrapped
// with something else for Windows (Sadly, the stdlib log/syslog
// is frozen, and there is no Windows implementation.)
package logger

import (
	sl "log/syslog"
)

type Priority = sl.Priority
type Writer = sl.Writer

const (
	// Severity.

	// From /usr/include/sys/syslog.h.
	// These are the same on Linux, BSD, and OS X.
	LOG_EMERG Priority = iota
	LOG_ALERT
	LOG_CRIT
	LOG_ERR
	LOG_WARNING
	LOG_NOTICE
	LOG_INFO
	LOG_DEBUG
)

const (
	// Facility.

	// From /usr/include/sys/syslog.h.
	// These are the same up to LOG_FTP on Linux, BSD, and OS X.
	LOG_KERN Priority = iota << 3
	LOG_USER
	LOG_MAIL
	LOG_DAEMON
	LOG_AUTH
	LOG_SYSLOG
	LOG_LPR
	LOG_NEWS
	LOG_UUCP
	LOG_CRON
	LOG_AUTHPRIV
	LOG_FTP
	_ // unused
	_ // unused
	_ // unused
	_ // unused
	LOG_LOCAL0
	LOG_LOCAL1
	LOG_LOCAL2
	LOG_LOCAL3
	LOG_LOCAL4
	LOG_LOCAL5
	LOG_LOCAL6
	LOG_LOCAL7
)

var (
	l *sl.Writer
)

// New opens the package-level syslog writer. Until it is called the
// Log* funcs below are no-ops rather than nil derefs, so library code
// may log unconditionally.
func New(flags Priority, tag string) (w *Writer, e error) {
	w, e = sl.New(sl.Priority(flags), tag)
	l = w
	return w, e
}

func Alert(s string) error {
	if l == nil {
		return nil
	}
	return l.Alert(s)
}

func LogClose() error {
	if l == nil {
		return nil
	}
	return l.Close()
}

func LogCrit(s string) error {
	if l == nil {
		return nil
	}
	return l.Crit(s)
}

func LogDebug(s string) error {
	if l == nil {
		return nil
	}
	return l.Debug(s)
}

func LogEmerg(s string) error {
	if l == nil {
		return nil
	}
	return l.Emerg(s)
}

func LogErr(s string) error {
	if l == nil {
		return nil
	}
	return l.Err(s)
}

func LogInfo(s string) error {
	if l == nil {
		return nil
	}
	return l.Info(s)
}

func LogNotice(s string) error {
	if l == nil {
		return nil
	}
	return l.Notice(s)
}

func LogWarning(s string) error {
	if l == nil {
		return nil
	}
	return l.Warning(s)
}

func LogWrite(b []byte) (int, error) {
	if l == nil {
		return len(b), nil
	}
	return l.Write(b)
}
