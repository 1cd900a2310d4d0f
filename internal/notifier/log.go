package notifier

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogNotifier writes notifications to the process log. It is always wired as a primary
// channel so an operator reading logs sees every alert.
type LogNotifier struct {
	log *logrus.Entry
}

func NewLogNotifier(log *logrus.Entry) *LogNotifier {
	return &LogNotifier{log: log.WithField("component", "alerts")}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	entry := l.log.WithFields(logrus.Fields{"severity": n.Severity, "title": n.Title})
	for k, v := range n.Payload {
		entry = entry.WithField("payload."+k, v)
	}
	switch n.Severity {
	case Critical, Error:
		entry.Error(n.Message)
	case Warning:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}
	return nil
}
