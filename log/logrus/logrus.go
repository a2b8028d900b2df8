package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/filecache"
)

var _ filecache.Logger = LogrusLogger{}

// LogrusLogger adapts a logrus entry. An "err" field of type error is attached
// with WithError so it lands under logrus.ErrorKey.
type LogrusLogger struct{ E *logrus.Entry }

func (l LogrusLogger) with(f filecache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	fields := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			fields[logrus.ErrorKey] = err
			continue
		}
		fields[k] = v
	}
	return l.E.WithFields(fields)
}

func (l LogrusLogger) Debug(msg string, f filecache.Fields) { l.with(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f filecache.Fields)  { l.with(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f filecache.Fields)  { l.with(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f filecache.Fields) { l.with(f).Error(msg) }
