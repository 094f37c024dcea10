package notify_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granary-farm/granary/internal/notify"
	"github.com/granary-farm/granary/internal/platform/telemetry"
)

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
	done chan struct{}
}

func (r *recorder) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	close(r.done)
	return r.err
}

func TestSend_DeliversAfterCallerCancels(t *testing.T) {
	rec := &recorder{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	notify.Send(ctx, rec, notify.Message{To: "a@farm.io", Template: notify.TemplatePasswordReset}, telemetry.NewLogger("error", "json"))

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "a@farm.io", rec.msgs[0].To)
}

func TestSend_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := telemetry.NewLogger("warn", "json", &syncWriter{mu: &mu, w: &buf})
	rec := &recorder{done: make(chan struct{}), err: errors.New("smtp down")}

	notify.Send(context.Background(), rec, notify.Message{Template: notify.TemplateFarmInvitation}, logger)

	<-rec.done
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bytes.Contains(buf.Bytes(), []byte("notification failed"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewLogNotifier(telemetry.NewLogger("info", "json", &buf))

	err := n.Notify(context.Background(), notify.Message{To: "b@farm.io", Template: notify.TemplateFarmInvitation})

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "b@farm.io")
}

type syncWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
