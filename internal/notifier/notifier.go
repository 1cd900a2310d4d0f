// Package notifier
package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/amirphl/guarded-trader/internal/journal"
	"github.com/amirphl/guarded-trader/internal/metrics"
)

// Severity of a notification.
type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	Error    Severity = "error"
	Critical Severity = "critical"
)

// ParseSeverity accepts the lower-case names.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case Info, Warning, Error, Critical:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Notification is an ephemeral event for the operator.
type Notification struct {
	Severity Severity       `json:"severity"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Payload  map[string]any `json:"payload,omitempty"`
	Time     time.Time      `json:"time"`
}

// Text renders n as plain text for chat and mail channels.
func (n Notification) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(n.Severity)), n.Title)
	if n.Message != "" {
		b.WriteString("\n")
		b.WriteString(n.Message)
	}
	return b.String()
}

// Channel delivers notifications somewhere.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Tiers groups channels by escalation level.
type Tiers struct {
	Primary   []Channel
	Secondary []Channel
	Urgent    []Channel
}

// Delivery is the outcome of one channel send.
type Delivery struct {
	Channel    string
	Err        error
	Suppressed bool
}

// RateLimits holds the minimum interval between repeats of the same title per severity.
// Severities not present are never limited.
type RateLimits map[Severity]time.Duration

// DefaultRateLimits limits repeated warnings to one per 5 minutes and infos to one per 30.
func DefaultRateLimits() RateLimits {
	return RateLimits{Warning: 5 * time.Minute, Info: 30 * time.Minute}
}

// Router fans notifications out to the channels for their severity.
type Router struct {
	tiers       Tiers
	limits      RateLimits
	journal     journal.Journaler
	sendTimeout time.Duration
	log         *logrus.Entry

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewRouter builds a router. j may be nil.
func NewRouter(tiers Tiers, limits RateLimits, j journal.Journaler, log *logrus.Entry) *Router {
	return &Router{
		tiers:       tiers,
		limits:      limits,
		journal:     j,
		sendTimeout: 10 * time.Second,
		log:         log.WithField("component", "notifier"),
		lastSent:    make(map[string]time.Time),
		now:         time.Now,
	}
}

// Channels returns the deduplicated channels for sev.
func (r *Router) Channels(sev Severity) []Channel {
	var groups [][]Channel
	switch sev {
	case Info:
		groups = [][]Channel{r.tiers.Primary}
	case Warning:
		groups = [][]Channel{r.tiers.Primary, r.tiers.Secondary}
	default:
		groups = [][]Channel{r.tiers.Primary, r.tiers.Secondary, r.tiers.Urgent}
	}
	seen := make(map[string]bool)
	var out []Channel
	for _, g := range groups {
		for _, c := range g {
			if c == nil || seen[c.Name()] {
				continue
			}
			seen[c.Name()] = true
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) suppressed(n Notification) bool {
	window, ok := r.limits[n.Severity]
	if !ok || window <= 0 {
		return false
	}
	key := string(n.Severity) + ":" + n.Title
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, seen := r.lastSent[key]; seen && n.Time.Sub(last) < window {
		return true
	}
	r.lastSent[key] = n.Time
	return false
}

// Route delivers n to every channel for its severity concurrently and waits for all of
// them. A failing channel never prevents delivery to the others, and nothing is returned
// to the caller as an error.
func (r *Router) Route(ctx context.Context, n Notification) []Delivery {
	if n.Time.IsZero() {
		n.Time = r.now().UTC()
	}
	channels := r.Channels(n.Severity)
	log := r.log.WithFields(logrus.Fields{"severity": n.Severity, "title": n.Title})

	if r.suppressed(n) {
		log.Debug("notification rate limited")
		out := make([]Delivery, len(channels))
		for i, c := range channels {
			out[i] = Delivery{Channel: c.Name(), Suppressed: true}
		}
		return out
	}

	out := make([]Delivery, len(channels))
	var g errgroup.Group
	for i, c := range channels {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()
			err := safeSend(sctx, c, n)
			out[i] = Delivery{Channel: c.Name(), Err: err}
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make(map[string]string, len(out))
	for _, d := range out {
		if d.Err != nil {
			metrics.Notifications.WithLabelValues(d.Channel, "failed").Inc()
			log.WithError(d.Err).WithField("channel", d.Channel).Warn("notification channel failed")
			outcomes[d.Channel] = d.Err.Error()
			continue
		}
		metrics.Notifications.WithLabelValues(d.Channel, "sent").Inc()
		outcomes[d.Channel] = "sent"
	}

	if r.journal != nil {
		err := r.journal.LogEvent(ctx, journal.Event{
			Time:        n.Time,
			Type:        journal.TypeNotification,
			Description: n.Title,
			Data: map[string]any{
				"severity": string(n.Severity),
				"message":  n.Message,
				"payload":  n.Payload,
				"outcomes": outcomes,
			},
		})
		if err != nil {
			log.WithError(err).Warn("failed to journal notification")
		}
	}
	return out
}

func safeSend(ctx context.Context, c Channel, n Notification) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel %s panicked: %v", c.Name(), p)
		}
	}()
	return c.Send(ctx, n)
}

// Notify is a shorthand for Route.
func (r *Router) Notify(ctx context.Context, sev Severity, title, message string, payload map[string]any) []Delivery {
	return r.Route(ctx, Notification{Severity: sev, Title: title, Message: message, Payload: payload})
}
