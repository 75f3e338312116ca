package admission

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/docflow/idp-core/internal/errors"
)

// ErrAlreadyRunning is returned by Claim when a document for the same
// input_location is already admitted and not yet terminal.
var ErrAlreadyRunning = errors.AdmissionRejectedErr("a document for this input location is already running")

// ErrAtCapacity is returned by Admit when the global max_in_flight limit
// has no headroom.
var ErrAtCapacity = errors.AdmissionRejectedErr("admission controller is at max_in_flight capacity")

// Controller enforces the global concurrency limit and input-location
// dedup described by the intake/admission contract, backed by a Redis
// set of in-flight document IDs (the "sliding counter in a shared
// store") and a per-input-location claim key.
type Controller struct {
	redis       *redis.Client
	maxInFlight int
	watermark   int
}

// admitScript performs the capacity check and the set-add as one Redis
// command, so two concurrent Admit calls can never both observe
// headroom and both add: SCARD and SADD run back-to-back inside Redis's
// single-threaded command execution, with nothing else able to
// interleave a third client's SADD between them. Without this, a
// plain SCard-then-SAdd from Go would race: two callers can both read
// count == maxInFlight-1 before either writes, and both add, pushing
// the set past maxInFlight.
var admitScript = redis.NewScript(`
local count = redis.call('SCARD', KEYS[1])
local limit = tonumber(ARGV[1])
if count >= limit then
	return 0
end
return redis.call('SADD', KEYS[1], ARGV[2])
`)

// Config configures a Controller.
type Config struct {
	RedisAddr         string
	MaxInFlight       int
	QueueWatermarkHigh int
}

const (
	inFlightSetKey  = "admission:inflight"
	claimKeyPrefix  = "admission:claim:"
	claimTTL        = 24 * time.Hour
)

// NewController dials redisAddr and returns a Controller.
func NewController(cfg Config) *Controller {
	return &Controller{
		redis:       redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
		maxInFlight: cfg.MaxInFlight,
		watermark:   cfg.QueueWatermarkHigh,
	}
}

// NewControllerWithClient wraps an existing redis.Client, used by tests
// against miniredis.
func NewControllerWithClient(client *redis.Client, maxInFlight, watermark int) *Controller {
	return &Controller{redis: client, maxInFlight: maxInFlight, watermark: watermark}
}

// Claim enforces the input-location dedup rule: two concurrent events
// for the same object collapse to one document, and a second identical
// event while one is RUNNING is rejected with ErrAlreadyRunning. A new
// event after the prior attempt completed (Release was called) begins a
// fresh attempt.
func (c *Controller) Claim(ctx context.Context, inputLocation, documentID string) error {
	ok, err := c.redis.SetNX(ctx, claimKeyPrefix+inputLocation, documentID, claimTTL).Result()
	if err != nil {
		return errors.TransientIOErr("admission", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	return nil
}

// ReleaseClaim frees the input-location claim once a document reaches a
// terminal state, allowing a later event for the same input to start a
// fresh attempt.
func (c *Controller) ReleaseClaim(ctx context.Context, inputLocation string) error {
	if err := c.redis.Del(ctx, claimKeyPrefix+inputLocation).Err(); err != nil {
		return errors.TransientIOErr("admission", err)
	}
	return nil
}

// Admit attempts to add documentID to the in-flight set. It succeeds
// only if the set's size is below maxInFlight; callers that fail should
// leave the admission request on the queue for visibility-timeout
// backoff rather than drop it.
func (c *Controller) Admit(ctx context.Context, documentID string) (bool, error) {
	added, err := admitScript.Run(ctx, c.redis, []string{inFlightSetKey}, c.maxInFlight, documentID).Int64()
	if err != nil {
		return false, errors.TransientIOErr("admission", err)
	}
	return added > 0, nil
}

// Release removes documentID from the in-flight set once its attempt
// reaches a terminal state, freeing a slot for another admission.
func (c *Controller) Release(ctx context.Context, documentID string) error {
	if err := c.redis.SRem(ctx, inFlightSetKey, documentID).Err(); err != nil {
		return errors.TransientIOErr("admission", err)
	}
	return nil
}

// InFlightCount returns the current number of admitted, non-terminal
// documents.
func (c *Controller) InFlightCount(ctx context.Context) (int, error) {
	count, err := c.redis.SCard(ctx, inFlightSetKey).Result()
	if err != nil {
		return 0, errors.TransientIOErr("admission", err)
	}
	return int(count), nil
}

// UnderWatermark reports whether queueDepth is still below
// queue_watermark_high; callers use this to decide whether to keep
// accepting new intake events or start signalling back-pressure.
func (c *Controller) UnderWatermark(queueDepth int) bool {
	if c.watermark <= 0 {
		return true
	}
	return queueDepth < c.watermark
}

// Close closes the underlying Redis client.
func (c *Controller) Close() error {
	return c.redis.Close()
}
