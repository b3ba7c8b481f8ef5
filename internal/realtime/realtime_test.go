package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxverify/internal/auth"
	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/pkg/idempotency"
)

var doctor = prescription.ActorRef{ID: "doc-1", Role: prescription.RoleDoctor}

func event(id string, to prescription.ActorRef) prescription.Event {
	return prescription.Event{
		ID:        id,
		Type:      prescription.EventVerificationRequested,
		Recipient: to,
		Message:   "Verification requested",
		Metadata:  prescription.EventMetadata{PrescriptionID: "rx-1"},
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestHubRooms(t *testing.T) {
	m := metrics.NewUnregistered()
	hub := NewHub(m, nil)

	a := NewClient("a", doctor)
	b := NewClient("b", doctor)
	other := NewClient("c", prescription.ActorRef{ID: "pharm-1", Role: prescription.RolePharmacist})
	hub.Register(a)
	hub.Register(b)
	hub.Register(other)

	assert.Equal(t, 3, hub.ClientCount())
	assert.Equal(t, 2, hub.RoomSize("doc-1"))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.WebsocketConnections))

	assert.Equal(t, 2, hub.Deliver("doc-1", []byte("hi")))
	assert.Equal(t, "hi", string(<-a.Send))
	assert.Equal(t, "hi", string(<-b.Send))
	assert.Empty(t, other.Send)

	hub.Unregister(a)
	hub.Unregister(a)
	assert.Equal(t, 1, hub.RoomSize("doc-1"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WebsocketConnections))
	_, open := <-a.Send
	assert.False(t, open)

	assert.Equal(t, 0, hub.Deliver("nobody", []byte("x")))
}

func TestHubDeliverSkipsFullQueue(t *testing.T) {
	hub := NewHub(nil, nil)
	c := NewClient("a", doctor)
	hub.Register(c)
	for i := 0; i < sendBuffer; i++ {
		require.Equal(t, 1, hub.Deliver("doc-1", []byte("x")))
	}
	assert.Equal(t, 0, hub.Deliver("doc-1", []byte("overflow")))
}

func TestHubPublishRoutesByRecipient(t *testing.T) {
	hub := NewHub(nil, nil)
	c := NewClient("a", doctor)
	hub.Register(c)

	require.NoError(t, hub.Publish(context.Background(), event("ev-1", doctor)))
	var got prescription.Event
	require.NoError(t, json.Unmarshal(<-c.Send, &got))
	assert.Equal(t, "ev-1", got.ID)
	assert.Equal(t, "rx-1", got.Metadata.PrescriptionID)
}

func TestWebsocketHandler(t *testing.T) {
	verifier := auth.NewVerifier([]byte("test-signing-key-0123456789abcdef"), "")
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(NewHandler(hub, verifier, nil, nil))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("rejects missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("delivers to the authenticated user", func(t *testing.T) {
		token, err := verifier.Issue(doctor, time.Hour)
		require.NoError(t, err)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool { return hub.RoomSize("doc-1") == 1 }, time.Second, 10*time.Millisecond)
		require.NoError(t, hub.Publish(context.Background(), event("ev-2", doctor)))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var got prescription.Event
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, "ev-2", got.ID)

		conn.Close()
		assert.Eventually(t, func() bool { return hub.RoomSize("doc-1") == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("accepts bearer header", func(t *testing.T) {
		token, err := verifier.Issue(doctor, time.Hour)
		require.NoError(t, err)
		header := http.Header{"Authorization": []string{"Bearer " + token}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		conn.Close()
	})
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []prescription.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e prescription.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

// memInbox stores successful results only, like idempotency.Inbox.
type memInbox struct {
	mu   sync.Mutex
	done map[string]json.RawMessage
}

func (m *memInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		m.done = map[string]json.RawMessage{}
	}
	if res, ok := m.done[key]; ok {
		return &idempotency.ProcessResult{Result: res}, nil
	}
	res, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	m.done[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

func record(t *testing.T, e prescription.Event) *redpanda.ConsumedMessage {
	t.Helper()
	value, err := json.Marshal(e)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicNotifications, Key: []byte(e.Recipient.ID), Value: value}
}

func TestGatewayDeduplicatesRedelivery(t *testing.T) {
	pub := &recordingPublisher{}
	m := metrics.NewUnregistered()
	g := NewGateway(&memInbox{}, pub, m, nil)
	ctx := context.Background()

	msg := record(t, event("ev-1", doctor))
	require.NoError(t, g.Handle(ctx, msg))
	require.NoError(t, g.Handle(ctx, msg))
	require.NoError(t, g.Handle(ctx, record(t, event("ev-2", doctor))))

	require.Len(t, pub.events, 2)
	assert.Equal(t, "ev-1", pub.events[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues(string(prescription.EventVerificationRequested), "duplicate")))
}

func TestGatewayRetriesAfterPublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	g := NewGateway(&memInbox{}, pub, nil, nil)
	msg := record(t, event("ev-1", doctor))

	require.Error(t, g.Handle(context.Background(), msg))

	pub.err = nil
	require.NoError(t, g.Handle(context.Background(), msg))
	assert.Len(t, pub.events, 1)
}

func TestGatewayDropsMalformedRecords(t *testing.T) {
	pub := &recordingPublisher{}
	g := NewGateway(nil, pub, nil, nil)

	require.NoError(t, g.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte("{not json")}))
	require.NoError(t, g.Handle(context.Background(), record(t, event("ev-1", prescription.ActorRef{}))))
	assert.Empty(t, pub.events)
}

func TestRedisBusRoundTrip(t *testing.T) {
	url := os.Getenv("RXVERIFY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("RXVERIFY_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultRedisConfig()
	cfg.URL = url
	cfg.Channel = "rx:notifications:test"
	bus, err := NewRedisBus(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer bus.Close()

	hub := NewHub(nil, nil)
	c := NewClient("a", doctor)
	hub.Register(c)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go bus.Run(runCtx, hub)

	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, event("ev-redis", doctor))
		select {
		case data := <-c.Send:
			return strings.Contains(string(data), "ev-redis")
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}
