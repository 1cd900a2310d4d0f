package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/guarded-trader/internal/db"
	"github.com/amirphl/guarded-trader/internal/journal"
)

type recordingChannel struct {
	name string
	err  error
	mu   sync.Mutex
	got  []Notification
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return c.err
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

type panicChannel struct{}

func (panicChannel) Name() string                               { return "panicky" }
func (panicChannel) Send(context.Context, Notification) error { panic("boom") }

func testLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func TestRoutingBySeverity(t *testing.T) {
	primary := &recordingChannel{name: "primary"}
	secondary := &recordingChannel{name: "secondary"}
	urgent := &recordingChannel{name: "urgent"}
	r := NewRouter(Tiers{Primary: []Channel{primary}, Secondary: []Channel{secondary}, Urgent: []Channel{urgent}}, nil, nil, testLog())

	tests := []struct {
		sev  Severity
		want []string
	}{
		{Info, []string{"primary"}},
		{Warning, []string{"primary", "secondary"}},
		{Error, []string{"primary", "secondary", "urgent"}},
		{Critical, []string{"primary", "secondary", "urgent"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.sev), func(t *testing.T) {
			var names []string
			for _, d := range r.Notify(context.Background(), tt.sev, "title", "msg", nil) {
				names = append(names, d.Channel)
				assert.NoError(t, d.Err)
			}
			assert.ElementsMatch(t, tt.want, names)
		})
	}
}

func TestFailingChannelDoesNotBlockOthers(t *testing.T) {
	broken := &recordingChannel{name: "broken", err: errors.New("smtp down")}
	chat := &recordingChannel{name: "chat"}
	urgent := &recordingChannel{name: "urgent"}
	store := db.NewMemory()
	r := NewRouter(Tiers{Primary: []Channel{broken, chat}, Secondary: []Channel{panicChannel{}}, Urgent: []Channel{urgent}}, nil, store, testLog())

	out := r.Notify(context.Background(), Critical, "position mismatch", "unexpected TQQQ", map[string]any{"symbol": "TQQQ"})

	require.Len(t, out, 4)
	failed := 0
	for _, d := range out {
		if d.Err != nil {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, chat.count())
	assert.Equal(t, 1, urgent.count())

	events, err := store.GetEvents(context.Background(), journal.TypeNotification, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "critical", events[0].Data["severity"])
}

func TestRateLimitsPerSeverity(t *testing.T) {
	ch := &recordingChannel{name: "primary"}
	r := NewRouter(Tiers{Primary: []Channel{ch}}, DefaultRateLimits(), nil, testLog())
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	r.Notify(ctx, Warning, "zero shares sized", "", nil)
	out := r.Notify(ctx, Warning, "zero shares sized", "", nil)
	require.Len(t, out, 1)
	assert.True(t, out[0].Suppressed)

	r.Notify(ctx, Critical, "halted", "", nil)
	r.Notify(ctx, Critical, "halted", "", nil)

	now = now.Add(6 * time.Minute)
	r.Notify(ctx, Warning, "zero shares sized", "", nil)

	assert.Equal(t, 4, ch.count(), "2 warnings + 2 criticals")
}

func TestDuplicateChannelAcrossTiers(t *testing.T) {
	ch := &recordingChannel{name: "telegram"}
	r := NewRouter(Tiers{Primary: []Channel{ch}, Urgent: []Channel{ch}}, nil, nil, testLog())
	r.Notify(context.Background(), Critical, "t", "m", nil)
	assert.Equal(t, 1, ch.count())
}

func TestTelegramNotifier(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier("TOKEN", "42")
	tg.baseURL = srv.URL
	err := tg.Send(context.Background(), Notification{Severity: Error, Title: "broker unreachable", Message: "3 attempts"})
	require.NoError(t, err)
	assert.Equal(t, "42", form.Get("chat_id"))
	assert.Contains(t, form.Get("text"), "[ERROR] broker unreachable")
}

func TestDiscordNotifier(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordNotifier(srv.URL).Send(context.Background(), Notification{Severity: Critical, Title: "halted", Time: time.Now()})
	assert.Error(t, err)
	embeds := body["embeds"].([]any)
	assert.Equal(t, "[critical] halted", embeds[0].(map[string]any)["title"])
}

func TestEmailNotifier(t *testing.T) {
	e := NewEmailNotifier("email", SMTPConfig{Host: "smtp.example.com", Port: 587, From: "bot@example.com", To: []string{"ops@example.com"}})
	var sentTo []string
	var msg string
	e.send = func(addr string, a smtp.Auth, from string, to []string, m []byte) error {
		assert.Equal(t, "smtp.example.com:587", addr)
		sentTo = to
		msg = string(m)
		return nil
	}

	require.NoError(t, e.Send(context.Background(), Notification{Severity: Warning, Title: "partial fill", Message: "30 of 50", Time: time.Now()}))
	assert.Equal(t, []string{"ops@example.com"}, sentTo)
	assert.Contains(t, msg, "Subject: [WARNING] partial fill")

	e.cfg.To = nil
	assert.Error(t, e.Send(context.Background(), Notification{}))
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity(" Critical ")
	require.NoError(t, err)
	assert.Equal(t, Critical, s)
	_, err = ParseSeverity("fatal")
	assert.Error(t, err)
}
