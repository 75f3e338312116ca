package admission

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/docflow/idp-core/internal/document"
	"github.com/docflow/idp-core/internal/worker"
)

// PollerConfig configures a Poller.
type PollerConfig struct {
	ConsumerTag string
	// MaxAttempts bounds how many times a redelivered request is nacked
	// back onto the queue before it is moved to the dead-letter queue.
	// Redelivery count is tracked in-memory keyed by document id, so a
	// poller restart resets the count; that is acceptable since the
	// dead-letter queue is a last resort, not a correctness boundary.
	MaxAttempts int
	Log         *logrus.Logger
	// OnAdmitted, if set, is invoked with the now-RUNNING document
	// immediately after a successful admit, in its own goroutine so the
	// orchestrator-worker's pipeline run never blocks the AMQP ack. It is
	// the hook the orchestrator-worker process uses to actually drive the
	// document through the Stage sequence; the poller itself only owns
	// the QUEUED -> RUNNING transition.
	OnAdmitted func(d *document.Document)
}

// Poller dequeues AdmissionRequest messages and transitions their
// document from QUEUED to RUNNING once the Controller reports headroom.
// A request that finds no headroom is nacked with requeue so it is
// redelivered for another attempt, following the broker's own
// visibility-timeout backoff instead of a local sleep.
type Poller struct {
	queue      *Queue
	controller *Controller
	store      *document.Store
	cfg        PollerConfig

	attempts map[string]int
}

// NewPoller builds a Poller over queue, controller, and store.
func NewPoller(queue *Queue, controller *Controller, store *document.Store, cfg PollerConfig) *Poller {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Poller{
		queue:      queue,
		controller: controller,
		store:      store,
		cfg:        cfg,
		attempts:   make(map[string]int),
	}
}

// Run starts consuming the admission queue and blocks, processing
// deliveries with worker.ChannelLoop, until ctx is cancelled or stopCh
// is closed.
func (p *Poller) Run(ctx context.Context, stopCh <-chan struct{}) error {
	deliveries, err := p.queue.Consume(p.cfg.ConsumerTag)
	if err != nil {
		return err
	}

	worker.ChannelLoop(ctx, stopCh, deliveries, p.handleDelivery)
	return nil
}

func (p *Poller) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var req AdmissionRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		p.cfg.Log.WithError(err).Error("admission poller: malformed request, dropping")
		_ = d.Ack(false)
		return
	}

	admitted, err := p.controller.Admit(ctx, req.DocumentID)
	if err != nil {
		p.cfg.Log.WithError(err).WithField("document_id", req.DocumentID).Warn("admission poller: admit check failed, requeueing")
		_ = d.Nack(false, true)
		return
	}

	if !admitted {
		p.attempts[req.DocumentID]++
		if p.attempts[req.DocumentID] >= p.cfg.MaxAttempts {
			p.cfg.Log.WithField("document_id", req.DocumentID).Warn("admission poller: max attempts exceeded, dead-lettering")
			if err := p.queue.PublishDeadLetter(req); err != nil {
				p.cfg.Log.WithError(err).Error("admission poller: dead-letter publish failed")
				_ = d.Nack(false, true)
				return
			}
			delete(p.attempts, req.DocumentID)
			_ = d.Ack(false)
			return
		}
		_ = d.Nack(false, true)
		return
	}
	delete(p.attempts, req.DocumentID)

	admittedDoc, err := p.admit(ctx, req)
	if err != nil {
		p.cfg.Log.WithError(err).WithField("document_id", req.DocumentID).Error("admission poller: transition to RUNNING failed, releasing slot and requeueing")
		_ = p.controller.Release(ctx, req.DocumentID)
		_ = d.Nack(false, true)
		return
	}

	_ = d.Ack(false)

	if admittedDoc != nil && p.cfg.OnAdmitted != nil {
		go p.cfg.OnAdmitted(admittedDoc)
	}
}

// admit loads the document, transitions it QUEUED -> RUNNING, and
// persists the update. On any failure the caller releases the in-flight
// slot so the retry does not permanently consume capacity. Returns a nil
// document (and nil error) when a prior delivery already admitted it, so
// the caller does not fire OnAdmitted twice for the same document.
func (p *Poller) admit(ctx context.Context, req AdmissionRequest) (*document.Document, error) {
	rec, err := p.store.Get(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}

	if rec.Status != document.StatusQueued {
		// Already advanced past QUEUED by a prior delivery of the same
		// message; nothing to do, and the in-flight slot already reflects
		// this document's place in the sliding counter.
		return nil, nil
	}

	d := document.FromRecord(rec)
	if err := d.Transition(document.StatusRunning); err != nil {
		return nil, err
	}

	if err := p.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}
