package failover_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/internal/failover"
	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/testutil"
)

var errBoom = errors.New("boom")

// fakeTarget scripts per-call outcomes through push; nil push always
// succeeds. call numbers are 1-based.
type fakeTarget struct {
	name string

	mu    sync.Mutex
	calls int
	push  func(ctx context.Context, call int) error
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) Push(ctx context.Context, _ []model.Metric) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.push
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, call)
}

func (f *fakeTarget) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func alwaysFail(context.Context, int) error { return errBoom }

func failFirst(n int) func(context.Context, int) error {
	return func(_ context.Context, call int) error {
		if call <= n {
			return errBoom
		}
		return nil
	}
}

func blockUntilCancel(ctx context.Context, _ int) error {
	<-ctx.Done()
	return ctx.Err()
}

func fastConfig() failover.Config {
	return failover.Config{
		Stickiness:         time.Hour,
		PromotionThreshold: 5,
		Timeout:            time.Second,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         2 * time.Millisecond,
	}
}

func batch() []model.Metric {
	return []model.Metric{{NodeID: "node-a", Country: "GH", Region: "Accra"}}
}

func TestController_StaysOnPrimaryWhenHealthy(t *testing.T) {
	primary := &fakeTarget{name: "primary"}
	secondary := &fakeTarget{name: "secondary"}
	c := failover.NewController([]failover.Target{primary, secondary}, fastConfig(), testutil.TestLogger())

	for range 3 {
		name, err := c.Push(context.Background(), batch())
		require.NoError(t, err)
		assert.Equal(t, "primary", name)
	}
	assert.Equal(t, "primary", c.ActiveTarget())
	assert.Equal(t, 3, primary.callCount())
	assert.Equal(t, 0, secondary.callCount())
}

func TestController_FailsOverToSecondary(t *testing.T) {
	primary := &fakeTarget{name: "primary", push: alwaysFail}
	secondary := &fakeTarget{name: "secondary"}
	c := failover.NewController([]failover.Target{primary, secondary}, fastConfig(), testutil.TestLogger())

	name, err := c.Push(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, "secondary", name)
	assert.Equal(t, "secondary", c.ActiveTarget())

	// Subsequent pushes go straight to the new active target.
	name, err = c.Push(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, "secondary", name)
	assert.Equal(t, 1, primary.callCount())
}

func TestController_StickinessBlocksPromotion(t *testing.T) {
	cfg := fastConfig()
	cfg.PromotionThreshold = 1

	primary := &fakeTarget{name: "primary", push: failFirst(1)}
	secondary := &fakeTarget{name: "secondary"}
	c := failover.NewController([]failover.Target{primary, secondary}, cfg, testutil.TestLogger())

	_, err := c.Push(context.Background(), batch())
	require.NoError(t, err)
	require.Equal(t, "secondary", c.ActiveTarget())

	// Threshold is met immediately, but the hour-long stickiness window
	// pins the controller to the fallback.
	for range 3 {
		name, err := c.Push(context.Background(), batch())
		require.NoError(t, err)
		assert.Equal(t, "secondary", name)
	}
	assert.Equal(t, "secondary", c.ActiveTarget())
	assert.Equal(t, 1, primary.callCount())
}

func TestController_PromotesAfterCooldownAndThreshold(t *testing.T) {
	cfg := fastConfig()
	cfg.Stickiness = 10 * time.Millisecond
	cfg.PromotionThreshold = 2

	primary := &fakeTarget{name: "primary", push: failFirst(1)}
	secondary := &fakeTarget{name: "secondary"}
	c := failover.NewController([]failover.Target{primary, secondary}, cfg, testutil.TestLogger())

	_, err := c.Push(context.Background(), batch())
	require.NoError(t, err)
	require.Equal(t, "secondary", c.ActiveTarget())

	time.Sleep(20 * time.Millisecond) // past stickiness

	// First success after the window: threshold not yet met.
	name, err := c.Push(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, "secondary", name)
	assert.Equal(t, "secondary", c.ActiveTarget())

	// Second success trips the promotion threshold.
	name, err = c.Push(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, "secondary", name)
	assert.Equal(t, "primary", c.ActiveTarget())

	// Primary has recovered and takes the next batch.
	name, err = c.Push(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, "primary", name)
}

func TestController_AllTargetsFail(t *testing.T) {
	primary := &fakeTarget{name: "primary", push: alwaysFail}
	secondary := &fakeTarget{name: "secondary", push: alwaysFail}
	c := failover.NewController([]failover.Target{primary, secondary}, fastConfig(), testutil.TestLogger())

	name, err := c.Push(context.Background(), batch())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, name)
	assert.Equal(t, "primary", c.ActiveTarget(), "no failover without a fallback success")
}

func TestController_PerTargetTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond

	primary := &fakeTarget{name: "primary", push: blockUntilCancel}
	secondary := &fakeTarget{name: "secondary"}
	c := failover.NewController([]failover.Target{primary, secondary}, cfg, testutil.TestLogger())

	start := time.Now()
	name, err := c.Push(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, "secondary", name)
	assert.Less(t, time.Since(start), 5*time.Second, "hung primary must not stall the push")
}

func TestController_NoTargets(t *testing.T) {
	c := failover.NewController(nil, fastConfig(), testutil.TestLogger())

	_, err := c.Push(context.Background(), batch())
	assert.ErrorIs(t, err, failover.ErrNoTargets)
	assert.Empty(t, c.ActiveTarget())
}

func TestFanOut_AnySuccess(t *testing.T) {
	a := &fakeTarget{name: "a", push: alwaysFail}
	b := &fakeTarget{name: "b"}
	cc := &fakeTarget{name: "c"}
	f := failover.NewFanOut([]failover.Target{a, b, cc}, testutil.TestLogger())

	name, err := f.Push(context.Background(), batch())
	require.NoError(t, err)
	assert.Equal(t, failover.FanOutName, name)
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 1, b.callCount())
	assert.Equal(t, 1, cc.callCount())
}

func TestFanOut_AllFail(t *testing.T) {
	a := &fakeTarget{name: "a", push: alwaysFail}
	b := &fakeTarget{name: "b", push: alwaysFail}
	f := failover.NewFanOut([]failover.Target{a, b}, testutil.TestLogger())

	_, err := f.Push(context.Background(), batch())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
}

func TestFanOut_NoTargets(t *testing.T) {
	f := failover.NewFanOut(nil, testutil.TestLogger())

	_, err := f.Push(context.Background(), batch())
	assert.ErrorIs(t, err, failover.ErrNoTargets)
	assert.Equal(t, failover.FanOutName, f.ActiveTarget())
}
