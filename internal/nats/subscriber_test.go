package nats

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provisionhq/analyzer/internal/model"
	"github.com/provisionhq/analyzer/internal/store"
)

type fakeAnalysis struct {
	calls []string
}

func (f *fakeAnalysis) Analyze(tenantID, sessionID string, discard bool) ([]model.Finding, error) {
	f.calls = append(f.calls, tenantID+"/"+sessionID)
	return nil, nil
}

func newTestSubscriber(t *testing.T, autoAnalyze bool) (*Subscriber, *store.MemoryStore, *fakeAnalysis) {
	t.Helper()
	memStore, err := store.NewMemoryStore(100, 100)
	require.NoError(t, err)

	analysis := &fakeAnalysis{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sub := NewSubscriber(nil, memStore, analysis, "analyzer", autoAnalyze, nil, logger)
	return sub, memStore, analysis
}

func eventMsg(t *testing.T, event model.Event) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return &nats.Msg{Subject: eventsSubject, Data: data}
}

func TestHandleEventMessage_AppendsToSessionLog(t *testing.T) {
	sub, memStore, analysis := newTestSubscriber(t, true)

	sub.handleEventMessage(eventMsg(t, model.Event{
		TenantID:  "t1",
		SessionID: "s1",
		EventType: "network_proxy_error",
		Timestamp: time.Now(),
	}))

	assert.Len(t, memStore.Events("t1", "s1"), 1)
	assert.Empty(t, analysis.calls)
}

func TestHandleEventMessage_DropsMalformedPayload(t *testing.T) {
	sub, memStore, _ := newTestSubscriber(t, true)

	sub.handleEventMessage(&nats.Msg{Subject: eventsSubject, Data: []byte("not json")})

	assert.Zero(t, memStore.SessionCount())
}

func TestHandleEventMessage_DropsEventsWithoutIdentity(t *testing.T) {
	sub, memStore, _ := newTestSubscriber(t, true)

	sub.handleEventMessage(eventMsg(t, model.Event{EventType: "orphan"}))
	sub.handleEventMessage(eventMsg(t, model.Event{TenantID: "t1", SessionID: "s1"}))

	assert.Zero(t, memStore.SessionCount())
}

func TestHandleEventMessage_SessionCompletionTriggersAnalysis(t *testing.T) {
	sub, memStore, analysis := newTestSubscriber(t, true)

	sub.handleEventMessage(eventMsg(t, model.Event{
		TenantID: "t1", SessionID: "s1", EventType: "network_proxy_error",
	}))
	sub.handleEventMessage(eventMsg(t, model.Event{
		TenantID: "t1", SessionID: "s1", EventType: "ESP_Session_Completed",
	}))

	assert.Len(t, memStore.Events("t1", "s1"), 2)
	require.Len(t, analysis.calls, 1)
	assert.Equal(t, "t1/s1", analysis.calls[0])
}

func TestHandleEventMessage_AutoAnalyzeDisabled(t *testing.T) {
	sub, _, analysis := newTestSubscriber(t, false)

	sub.handleEventMessage(eventMsg(t, model.Event{
		TenantID: "t1", SessionID: "s1", EventType: sessionCompletedEventType,
	}))

	assert.Empty(t, analysis.calls)
}
