package async

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-engine/internal/stepresult"
)

type noopProgress struct{ cancelled bool }

func (p *noopProgress) Update(percent int, message string) {}
func (p *noopProgress) IsCancelled() bool                   { return p.cancelled }

func TestPollingHandlerSucceedsOnCondition(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.Write([]byte(`{"status":"pending"}`))
			return
		}
		w.Write([]byte(`{"status":"completed"}`))
	}))
	defer srv.Close()

	cfg := &PollingConfig{
		URL:              srv.URL,
		Method:           http.MethodGet,
		IntervalSeconds:  0,
		MaxAttempts:      5,
		SuccessCondition: "status==\"completed\"",
	}
	handler := NewPollingHandler(cfg, resty.New())

	raw, err := handler(nil, nil, &noopProgress{})
	require.NoError(t, err)
	result := stepresult.Wrap(raw)
	finish, ok := result.(stepresult.Finish)
	require.True(t, ok)
	assert.Contains(t, finish.Value, "completed")
	assert.GreaterOrEqual(t, calls, 2)
}

func TestWaitHandlerCompletesAfterDuration(t *testing.T) {
	cfg := &WaitConfig{DurationSeconds: 0}
	handler := NewWaitHandler(cfg)

	start := time.Now()
	raw, err := handler(nil, nil, &noopProgress{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	result := stepresult.Wrap(raw)
	_, ok := result.(stepresult.Finish)
	assert.True(t, ok)
}

func TestWaitHandlerCancelled(t *testing.T) {
	cfg := &WaitConfig{DurationSeconds: 5}
	handler := NewWaitHandler(cfg)

	raw, err := handler(nil, nil, &noopProgress{cancelled: true})
	require.NoError(t, err)
	result := stepresult.Wrap(raw)
	_, ok := result.(stepresult.Fail)
	assert.True(t, ok)
}

func TestWebhookHandlerDeliveredPayload(t *testing.T) {
	mgr := NewManager(nil, nil, zap.NewNop(), nil)
	cfg := &WebhookConfig{CallbackID: "cb1", TimeoutSec: 5}
	handler := NewWebhookHandler(mgr, cfg)

	done := make(chan struct{})
	var raw interface{}
	var err error
	go func() {
		raw, err = handler(nil, nil, &noopProgress{})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, mgr.DeliverWebhook("cb1", map[string]interface{}{"ok": true}, nil))

	<-done
	require.NoError(t, err)
	result := stepresult.Wrap(raw)
	finish, ok := result.(stepresult.Finish)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"ok": true}, finish.Value)
}
