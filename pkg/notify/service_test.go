package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/stepflow/pkg/adapters/memory"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/notify"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	fail   error
}

func (r *recorder) ModelUpdated(_ context.Context, q qualifier.Qualifier, mode domain.UpdateMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(mode)+" "+q.String())
	return r.fail
}

func (r *recorder) ModelReset(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "reset")
	return r.fail
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestService_FailingObserverDoesNotStopBroadcast(t *testing.T) {
	var reported []notify.Failure
	svc := notify.NewService(notify.WithReporter(func(_ context.Context, f notify.Failure) {
		reported = append(reported, f)
	}))

	first, third := &recorder{}, &recorder{}
	boom := errors.New("boom")
	svc.Add(first)
	failingID := svc.AddNamed("failing", &recorder{fail: boom})
	svc.Add(third)

	err := svc.ModelUpdated(context.Background(), qualifier.New("m", "P"), domain.ModeUpdated)
	require.Error(t, err)

	var be *notify.BroadcastError
	require.ErrorAs(t, err, &be)
	require.Len(t, be.Failures, 1)
	assert.Equal(t, failingID, be.Failures[0].ID)
	assert.Equal(t, "failing", be.Failures[0].Name)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"UPDATED /m/P"}, first.seen())
	assert.Equal(t, []string{"UPDATED /m/P"}, third.seen())
	require.Len(t, reported, 1)
	assert.Equal(t, "failing", reported[0].Name)
}

func TestService_PanickingObserver(t *testing.T) {
	svc := notify.NewService()
	after := &recorder{}
	svc.Add(notify.ObserverFuncs{Reset: func(context.Context) error { panic("bad observer") }})
	svc.Add(after)

	err := svc.ModelReset(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad observer")
	assert.Equal(t, []string{"reset"}, after.seen())
}

func TestService_RegistrationOrder(t *testing.T) {
	svc := notify.NewService()
	var order []int
	for i := range 3 {
		svc.Add(notify.ObserverFuncs{Reset: func(context.Context) error {
			order = append(order, i)
			return nil
		}})
	}

	require.NoError(t, svc.ModelReset(context.Background()))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestService_Remove(t *testing.T) {
	svc := notify.NewService()
	rec := &recorder{}
	id := svc.Add(rec)
	assert.Equal(t, 1, svc.Len())

	assert.True(t, svc.Remove(id))
	assert.False(t, svc.Remove(id))
	assert.Equal(t, 0, svc.Len())

	require.NoError(t, svc.ModelReset(context.Background()))
	assert.Empty(t, rec.seen())
}

func TestService_RemoveDuringBroadcast(t *testing.T) {
	svc := notify.NewService()
	second := &recorder{}
	var secondID notify.ObserverID
	svc.Add(notify.ObserverFuncs{Reset: func(context.Context) error {
		svc.Remove(secondID)
		return nil
	}})
	secondID = svc.Add(second)

	require.NoError(t, svc.ModelReset(context.Background()))
	assert.Equal(t, []string{"reset"}, second.seen(), "the broadcast works on a snapshot")

	require.NoError(t, svc.ModelReset(context.Background()))
	assert.Equal(t, []string{"reset"}, second.seen())
}

func TestService_Subscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("without validator", func(t *testing.T) {
		svc := notify.NewService()
		_, err := svc.Subscribe(ctx, "anything", &recorder{})
		assert.ErrorIs(t, err, notify.ErrInvalidSession)
		assert.Equal(t, 0, svc.Len())
	})

	t.Run("allow list", func(t *testing.T) {
		svc := notify.NewService(notify.WithSessionValidator(notify.NewAllowList("s3cret")))

		_, err := svc.Subscribe(ctx, "guess", &recorder{})
		assert.ErrorIs(t, err, notify.ErrInvalidSession)

		rec := &recorder{}
		_, err = svc.Subscribe(ctx, "s3cret", rec)
		require.NoError(t, err)

		require.NoError(t, svc.ModelReset(ctx))
		assert.Equal(t, []string{"reset"}, rec.seen())
	})
}

func TestService_Pump(t *testing.T) {
	src, err := memory.NewSource(nil)
	require.NoError(t, err)

	svc := notify.NewService()
	rec := &recorder{}
	svc.Add(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Pump(ctx, src) }()

	q := qualifier.New("m", "P")
	assert.Eventually(t, func() bool {
		src.Put(q, "name: P")
		return len(rec.seen()) > 0
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.seen()[0], "/m/P")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
}
