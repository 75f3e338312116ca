package admission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dialer := newMockDialer()
	q, err := NewQueue(QueueConfig{
		URL:             "amqp://mock",
		AdmissionQueue:  "admission.requests",
		DeadLetterQueue: "admission.dead-letter",
	}, dialer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueue_PublishConsume(t *testing.T) {
	q := newTestQueue(t)

	req := AdmissionRequest{DocumentID: "doc-1", InputLocation: "bucket/a.pdf"}
	require.NoError(t, q.Publish(req))

	depth, err := q.Depth()
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	deliveries, err := q.Consume("test-consumer")
	require.NoError(t, err)

	d := <-deliveries
	var got AdmissionRequest
	require.NoError(t, json.Unmarshal(d.Body, &got))
	require.Equal(t, req, got)
}

func TestQueue_PublishDeadLetter(t *testing.T) {
	q := newTestQueue(t)

	req := AdmissionRequest{DocumentID: "doc-1", InputLocation: "bucket/a.pdf"}
	require.NoError(t, q.PublishDeadLetter(req))

	deliveries, err := q.channel.Consume("admission.dead-letter", "test", false, false, false, false, nil)
	require.NoError(t, err)

	d := <-deliveries
	var got AdmissionRequest
	require.NoError(t, json.Unmarshal(d.Body, &got))
	require.Equal(t, req, got)
}

func TestQueue_PublishDeadLetter_NotConfigured(t *testing.T) {
	dialer := newMockDialer()
	q, err := NewQueue(QueueConfig{URL: "amqp://mock", AdmissionQueue: "admission.requests"}, dialer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	err = q.PublishDeadLetter(AdmissionRequest{DocumentID: "doc-1"})
	require.Error(t, err)
}
