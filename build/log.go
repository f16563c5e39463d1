package build

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is a logrus logger bound to a named subsystem. All packages in
// this repo get their logger through AddSubLogger.
type Logger struct {
	*logrus.Logger
	Subsystem string
}

var (
	logConfigLock    sync.Mutex
	subsystemLoggers = map[string]*Logger{}
)

// AddSubLogger creates a new logger that prepends `subsystem` to every
// entry and registers it so its level can be tuned at runtime.
func AddSubLogger(subsystem string) *Logger {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger := &Logger{logrus.New(), subsystem}
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&formatter{
		timestampFormat: "2006-01-02 15:04:05.000",
		subsystem:       subsystem,
	})

	subsystemLoggers[subsystem] = logger
	return logger
}

// SetLogLevel sets the log level for a single subsystem.
func SetLogLevel(subsystem string, level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger, ok := subsystemLoggers[subsystem]
	if !ok {
		return
	}
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for every registered subsystem.
func SetLogLevels(level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}

// ToLogLevel takes in a string and converts it to a logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	case "panic":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}

type formatter struct {
	timestampFormat string
	subsystem       string
}

// Format renders an entry as "<timestamp> [LEVL] SUBSYS: message  k=v ..."
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	b.WriteString(entry.Time.Format(f.timestampFormat))

	level := strings.ToUpper(entry.Level.String())
	b.WriteString(fmt.Sprintf(" [%s]", level[:4]))
	b.WriteString(fmt.Sprintf(" %s: ", f.subsystem))
	b.WriteString(entry.Message)

	if len(entry.Data) != 0 {
		b.WriteString("\t\t")
		fields := make([]string, 0, len(entry.Data))
		for field := range entry.Data {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			fmt.Fprintf(b, "%s=%v ", field, entry.Data[field])
		}
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
