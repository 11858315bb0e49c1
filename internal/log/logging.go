// Package log provides the per-subsystem logrus loggers used across mailgate.
package log

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Subsystem prefixes.
const (
	Main  = "MAIN"
	IMAP  = "IMAP"
	SMTP  = "SMTP"
	Draft = "DRAFT"
	API   = "API"
)

var subsystems = []string{Main, IMAP, SMTP, Draft, API}

var (
	mu      sync.RWMutex
	loggers = map[string]*logrus.Logger{}
)

// prefixFormatter prepends the subsystem name to every text line.
type prefixFormatter struct {
	formatter logrus.Formatter
	prefix    []byte
}

func newPrefixFormatter(prefix string) *prefixFormatter {
	return &prefixFormatter{
		formatter: &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			DisableColors:   strings.Contains(runtime.GOOS, "windows"),
		},
		prefix: []byte(fmt.Sprintf("%-5s ", prefix)),
	}
}

func (f *prefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	text, err := f.formatter.Format(entry)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, f.prefix...), text...), nil
}

// ParseLevel maps a config string to a logrus level. Unknown values mean info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	}
	return logrus.InfoLevel
}

// Init (re)creates every subsystem logger at the given level.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()
	for _, prefix := range subsystems {
		l := logrus.New()
		l.SetLevel(ParseLevel(level))
		l.SetFormatter(newPrefixFormatter(prefix))
		loggers[prefix] = l
	}
}

// SetOutput redirects every subsystem logger. Tests use it with io.Discard.
func SetOutput(w io.Writer) {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		l.SetOutput(w)
	}
}

// Logger returns the logger for a subsystem, initializing the set at info
// level on first use.
func Logger(prefix string) *logrus.Logger {
	mu.RLock()
	l, ok := loggers[prefix]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	if len(loggers) == 0 {
		mu.Unlock()
		Init("info")
		return Logger(prefix)
	}
	l, ok = loggers[prefix]
	mu.Unlock()
	if !ok {
		panic("log: unknown subsystem " + prefix)
	}
	return l
}
