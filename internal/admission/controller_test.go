package admission

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, maxInFlight, watermark int) (*Controller, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewControllerWithClient(client, maxInFlight, watermark), mr
}

func TestController_ClaimDedup(t *testing.T) {
	ctrl, _ := newTestController(t, 10, 100)
	ctx := context.Background()

	require.NoError(t, ctrl.Claim(ctx, "bucket/a.pdf", "doc-1"))

	err := ctrl.Claim(ctx, "bucket/a.pdf", "doc-2")
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestController_ClaimReleaseThenReclaim(t *testing.T) {
	ctrl, _ := newTestController(t, 10, 100)
	ctx := context.Background()

	require.NoError(t, ctrl.Claim(ctx, "bucket/a.pdf", "doc-1"))
	require.NoError(t, ctrl.ReleaseClaim(ctx, "bucket/a.pdf"))
	require.NoError(t, ctrl.Claim(ctx, "bucket/a.pdf", "doc-2"))
}

func TestController_AdmitRespectsMaxInFlight(t *testing.T) {
	ctrl, _ := newTestController(t, 2, 100)
	ctx := context.Background()

	ok, err := ctrl.Admit(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ctrl.Admit(ctx, "doc-2")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ctrl.Admit(ctx, "doc-3")
	require.NoError(t, err)
	require.False(t, ok, "third admission should be rejected at max_in_flight=2")

	count, err := ctrl.InFlightCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestController_AdmitIsIdempotentPerDocument(t *testing.T) {
	ctrl, _ := newTestController(t, 1, 100)
	ctx := context.Background()

	ok, err := ctrl.Admit(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Re-admitting the same document id is a no-op add to the set, not a
	// second slot consumed.
	ok, err = ctrl.Admit(ctx, "doc-1")
	require.NoError(t, err)
	require.False(t, ok)

	count, err := ctrl.InFlightCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestController_Release(t *testing.T) {
	ctrl, _ := newTestController(t, 1, 100)
	ctx := context.Background()

	ok, err := ctrl.Admit(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ctrl.Release(ctx, "doc-1"))

	ok, err = ctrl.Admit(ctx, "doc-2")
	require.NoError(t, err)
	require.True(t, ok, "slot should be free after Release")
}

// TestController_AdmitNeverExceedsMaxInFlightUnderContention pins down
// P7: concurrent Admit calls racing against the same capacity must
// never collectively push the in-flight set past max_in_flight. A
// non-atomic check-then-add would let two callers both observe
// headroom before either writes.
func TestController_AdmitNeverExceedsMaxInFlightUnderContention(t *testing.T) {
	const maxInFlight = 5
	ctrl, _ := newTestController(t, maxInFlight, 100)
	ctx := context.Background()

	const callers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := ctrl.Admit(ctx, string(rune('a'+i)))
			require.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, maxInFlight, admitted)

	count, err := ctrl.InFlightCount(ctx)
	require.NoError(t, err)
	require.Equal(t, maxInFlight, count)
}

func TestController_UnderWatermark(t *testing.T) {
	ctrl, _ := newTestController(t, 10, 50)
	require.True(t, ctrl.UnderWatermark(10))
	require.False(t, ctrl.UnderWatermark(50))
	require.False(t, ctrl.UnderWatermark(51))
}

func TestController_UnderWatermark_Disabled(t *testing.T) {
	ctrl, _ := newTestController(t, 10, 0)
	require.True(t, ctrl.UnderWatermark(1_000_000))
}
