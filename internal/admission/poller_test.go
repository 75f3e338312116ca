package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docflow/idp-core/internal/document"
)

// fakeTrackingStore is a minimal PostgREST-shaped server backing one
// document record, enough for the poller's Get-then-Update round trip.
type fakeTrackingStore struct {
	mu  sync.Mutex
	rec document.Record
}

func newFakeTrackingStoreServer(t *testing.T, rec document.Record) (*httptest.Server, *fakeTrackingStore) {
	t.Helper()
	fs := &fakeTrackingStore{rec: rec}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode([]document.Record{fs.rec})
		case http.MethodPatch:
			var rec document.Record
			json.NewDecoder(r.Body).Decode(&rec)
			fs.rec = rec
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode([]document.Record{fs.rec})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, fs
}

func newTestStoreClient(t *testing.T, srv *httptest.Server) *document.Store {
	t.Helper()
	client := document.NewClient(document.ClientConfig{BaseURL: srv.URL, ServiceKey: "test-key"})
	return document.NewStore(client)
}

func TestPoller_AdmitsQueuedDocumentToRunning(t *testing.T) {
	now := time.Now()
	srv, fs := newFakeTrackingStoreServer(t, document.Record{
		ID: "doc-1", InputLocation: "bucket/a.pdf", Status: document.StatusQueued, QueuedAt: &now,
	})
	store := newTestStoreClient(t, srv)

	ctrl, _ := newTestController(t, 10, 100)
	queue := newTestQueue(t)

	poller := NewPoller(queue, ctrl, store, PollerConfig{ConsumerTag: "test"})

	require.NoError(t, queue.Publish(AdmissionRequest{DocumentID: "doc-1", InputLocation: "bucket/a.pdf"}))

	deliveries, err := queue.Consume("test")
	require.NoError(t, err)
	d := <-deliveries
	poller.handleDelivery(context.Background(), d)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, document.StatusRunning, fs.rec.Status)

	count, err := ctrl.InFlightCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestPoller_FiresOnAdmittedForNewlyRunningDocument(t *testing.T) {
	now := time.Now()
	srv, _ := newFakeTrackingStoreServer(t, document.Record{
		ID: "doc-1", InputLocation: "bucket/a.pdf", Status: document.StatusQueued, QueuedAt: &now,
	})
	store := newTestStoreClient(t, srv)

	ctrl, _ := newTestController(t, 10, 100)
	queue := newTestQueue(t)

	admitted := make(chan *document.Document, 1)
	poller := NewPoller(queue, ctrl, store, PollerConfig{
		ConsumerTag: "test",
		OnAdmitted:  func(d *document.Document) { admitted <- d },
	})

	require.NoError(t, queue.Publish(AdmissionRequest{DocumentID: "doc-1", InputLocation: "bucket/a.pdf"}))
	deliveries, err := queue.Consume("test")
	require.NoError(t, err)
	d := <-deliveries
	poller.handleDelivery(context.Background(), d)

	select {
	case got := <-admitted:
		require.Equal(t, "doc-1", got.ID)
		require.Equal(t, document.StatusRunning, got.Status)
	case <-time.After(time.Second):
		t.Fatal("OnAdmitted was not called")
	}
}

func TestPoller_RequeuesWhenAtCapacity(t *testing.T) {
	now := time.Now()
	srv, fs := newFakeTrackingStoreServer(t, document.Record{
		ID: "doc-1", Status: document.StatusQueued, QueuedAt: &now,
	})
	store := newTestStoreClient(t, srv)

	ctrl, _ := newTestController(t, 0, 100)
	queue := newTestQueue(t)
	poller := NewPoller(queue, ctrl, store, PollerConfig{ConsumerTag: "test", MaxAttempts: 5})

	require.NoError(t, queue.Publish(AdmissionRequest{DocumentID: "doc-1", InputLocation: "bucket/a.pdf"}))
	deliveries, err := queue.Consume("test")
	require.NoError(t, err)
	d := <-deliveries
	poller.handleDelivery(context.Background(), d)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, document.StatusQueued, fs.rec.Status, "status must not advance when at capacity")

	ack, ok := d.Acknowledger.(*mockAcknowledger)
	require.True(t, ok)
	require.Empty(t, ack.acked)
	require.Len(t, ack.nacked, 1)
	require.True(t, ack.requeue[0])
}

func TestPoller_DeadLettersAfterMaxAttempts(t *testing.T) {
	now := time.Now()
	srv, _ := newFakeTrackingStoreServer(t, document.Record{
		ID: "doc-1", Status: document.StatusQueued, QueuedAt: &now,
	})
	store := newTestStoreClient(t, srv)

	ctrl, _ := newTestController(t, 0, 100)
	queue := newTestQueue(t)
	poller := NewPoller(queue, ctrl, store, PollerConfig{ConsumerTag: "test", MaxAttempts: 2})

	req := AdmissionRequest{DocumentID: "doc-1", InputLocation: "bucket/a.pdf"}
	ack := &mockAcknowledger{}
	body, _ := json.Marshal(req)

	for i := 0; i < 2; i++ {
		d := deliveryWith(ack, uint64(i+1), body)
		poller.handleDelivery(context.Background(), d)
	}

	depth, err := queue.channel.QueueInspect("admission.dead-letter")
	require.NoError(t, err)
	require.Equal(t, 1, depth.Messages)
}
