package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/classic-server/internal/api"
	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/eventbus"
)

type collected struct {
	mu     sync.Mutex
	events []*eventbus.Envelope
}

func (c *collected) add(ev *eventbus.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collected) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestReceiver_AcceptsSignedDeliveries(t *testing.T) {
	got := &collected{}
	ts := httptest.NewServer(newRouter("hush", got.add))
	defer ts.Close()

	bus := eventbus.NewMemoryBus(16)
	defer bus.Close()
	hooks := api.NewOutboundWebhookManager([]config.WebhookConfig{
		{Name: "receiver", URL: ts.URL + "/webhook", Secret: "hush", Events: []string{"*"}},
	})
	require.NoError(t, hooks.Start(context.Background(), bus))
	defer hooks.Stop()

	eventbus.NewPublisher(bus, "test").Emit(context.Background(), eventbus.TypeChat, "main",
		eventbus.ChatEvent{Username: "alice", Message: "hi"})

	require.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	got.mu.Lock()
	ev := got.events[0]
	got.mu.Unlock()
	assert.Equal(t, eventbus.TypeChat, ev.EventType)
	assert.Equal(t, "main", ev.World)
	assert.Equal(t, "📧 Chat от test [main] message=hi username=alice", format(ev))

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats struct {
		Received int            `json:"received"`
		ByType   map[string]int `json:"by_type"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Received)
	assert.Equal(t, map[string]int{eventbus.TypeChat: 1}, stats.ByType)
}

func TestReceiver_RejectsBadSignature(t *testing.T) {
	got := &collected{}
	r := newRouter("hush", got.add)

	ev, err := eventbus.NewEnvelope("test", eventbus.TypeChat, "", eventbus.ChatEvent{Username: "bob"})
	require.NoError(t, err)
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(api.SignatureHeader, "sha256=deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{")))
	w = httptest.NewRecorder()
	newRouter("", got.add).ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, got.len())
}
