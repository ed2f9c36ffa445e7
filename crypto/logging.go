package crypto

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// previewLen is how many leading bytes of sensitive data may appear in logs.
const previewLen = 8

// LoggerHelper tags crypto log lines with the package and calling function.
// Each With* call returns a new helper so a base helper can be shared.
type LoggerHelper struct {
	entry *logrus.Entry
}

// NewLogger creates a logger helper tagged with the calling function.
func NewLogger(function string) *LoggerHelper {
	return &LoggerHelper{entry: logrus.WithFields(logrus.Fields{
		"function": function,
		"package":  "crypto",
	})}
}

// WithField adds one field.
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithField(key, value)}
}

// WithFields adds several fields.
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	return &LoggerHelper{entry: l.entry.WithFields(fields)}
}

// WithError records err and the operation that produced it.
func (l *LoggerHelper) WithError(err error, operation string) *LoggerHelper {
	return l.WithFields(logrus.Fields{
		"error":     err.Error(),
		"operation": operation,
	})
}

func (l *LoggerHelper) Debug(message string) { l.entry.Debug(message) }
func (l *LoggerHelper) Info(message string)  { l.entry.Info(message) }
func (l *LoggerHelper) Warn(message string)  { l.entry.Warn(message) }
func (l *LoggerHelper) Error(message string) { l.entry.Error(message) }

// SecureFieldHash returns log fields that show the size of data and at most
// its first eight bytes in hex.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		n := len(data)
		if n > previewLen {
			n = previewLen
		}
		preview = hex.EncodeToString(data[:n])
		if len(data) > previewLen {
			preview += "..."
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
