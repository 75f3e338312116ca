package admission

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/docflow/idp-core/internal/document"
	"github.com/docflow/idp-core/internal/errors"
)

// ObjectEvent is one object-creation notification from the input bucket.
type ObjectEvent struct {
	Bucket string
	Key    string
}

func (e ObjectEvent) inputLocation() string {
	return fmt.Sprintf("%s/%s", e.Bucket, e.Key)
}

// Intake turns object-creation events into Document records and
// admission requests.
type Intake struct {
	store      *document.Store
	controller *Controller
	queue      *Queue
	outputBase string
}

// NewIntake builds an Intake over the tracking store, admission
// controller, and work queue. outputBase is the bucket prefix new
// documents write their output_location under.
func NewIntake(store *document.Store, controller *Controller, queue *Queue, outputBase string) *Intake {
	return &Intake{store: store, controller: controller, queue: queue, outputBase: outputBase}
}

// HandleEvent processes one object-creation event: claims the input
// location, creates and persists a Document(QUEUED), and posts an
// admission request. Returns ErrAlreadyRunning if a prior attempt for
// the same input_location has not reached a terminal state.
func (in *Intake) HandleEvent(ctx context.Context, ev ObjectEvent) (*document.Document, error) {
	inputLocation := ev.inputLocation()
	docID := uuid.NewString()

	if err := in.controller.Claim(ctx, inputLocation, docID); err != nil {
		return nil, err
	}

	outputLocation := fmt.Sprintf("%s/%s/", in.outputBase, docID)
	d := document.New(docID, inputLocation, outputLocation)

	if err := in.store.Create(ctx, d); err != nil {
		// Roll back the claim so a retried event for the same object can
		// try again instead of permanently wedging on ErrAlreadyRunning.
		_ = in.controller.ReleaseClaim(ctx, inputLocation)
		return nil, errors.TransientIOErr("intake", err)
	}

	if err := in.queue.Publish(AdmissionRequest{DocumentID: docID, InputLocation: inputLocation}); err != nil {
		return nil, errors.TransientIOErr("intake", err)
	}

	return d, nil
}

// ReleaseAttempt frees the input-location claim for inputLocation, to be
// called once the referenced document's attempt reaches COMPLETED or
// FAILED, so a later event for the same object can begin a fresh
// attempt with a new execution id.
func (in *Intake) ReleaseAttempt(ctx context.Context, inputLocation string) error {
	return in.controller.ReleaseClaim(ctx, inputLocation)
}
