package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"madera-chat/internal/metrics"
	"madera-chat/internal/models"
)

type recordingSink struct {
	name  string
	err   error
	delay time.Duration
	panic bool

	mu    sync.Mutex
	leads []Lead
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, lead Lead) error {
	if s.panic {
		panic("boom")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.leads = append(s.leads, lead)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) received() []Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Lead(nil), s.leads...)
}

func sampleLead() Lead {
	req := models.ChatRequest{Message: "Хочу кухню, готов к замеру", LeadSegment: "kitchen"}
	return NewLead("req-1", req, models.StructuredReply{
		Answer:  "Запишем на замер.",
		Segment: models.SegmentMiddle,
		HotLead: true,
	})
}

func TestNewLead(t *testing.T) {
	lead := sampleLead()
	assert.NotEmpty(t, lead.ID)
	assert.Equal(t, "req-1", lead.RequestID)
	assert.Equal(t, "kitchen", lead.Segment)
	assert.False(t, lead.CreatedAt.IsZero())
}

func TestNotifyDeliversToEverySink(t *testing.T) {
	m := metrics.New()
	ok := &recordingSink{name: "ok"}
	failing := &recordingSink{name: "failing", err: errors.New("503")}
	n := New([]Sink{failing, ok}, time.Second, m)

	n.Notify(sampleLead())
	require.NoError(t, n.Wait(context.Background()))

	assert.Len(t, ok.received(), 1)
	assert.Len(t, failing.received(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications("ok", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications("failing", "failed")))
}

func TestNotifyReturnsBeforeSlowSinkFinishes(t *testing.T) {
	slow := &recordingSink{name: "slow", delay: 200 * time.Millisecond}
	n := New([]Sink{slow}, time.Second, nil)

	start := time.Now()
	n.Notify(sampleLead())
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, n.Wait(context.Background()))
	assert.Len(t, slow.received(), 1)
}

func TestNotifyTimeoutBoundsDelivery(t *testing.T) {
	m := metrics.New()
	stuck := &recordingSink{name: "stuck", delay: time.Minute}
	n := New([]Sink{stuck}, 20*time.Millisecond, m)

	n.Notify(sampleLead())
	require.NoError(t, n.Wait(context.Background()))
	assert.Empty(t, stuck.received())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications("stuck", "failed")))
}

func TestNotifyRecoversSinkPanic(t *testing.T) {
	m := metrics.New()
	bad := &recordingSink{name: "bad", panic: true}
	good := &recordingSink{name: "good"}
	n := New([]Sink{bad, good}, time.Second, m)

	n.Notify(sampleLead())
	require.NoError(t, n.Wait(context.Background()))
	assert.Len(t, good.received(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications("bad", "failed")))
}

func TestWaitHonoursContext(t *testing.T) {
	stuck := &recordingSink{name: "stuck", delay: time.Second}
	n := New([]Sink{stuck}, 5*time.Second, nil)
	n.Notify(sampleLead())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Wait(ctx), context.DeadlineExceeded)
	require.NoError(t, n.Wait(context.Background()))
}

func TestShutdownWaitsThenDropsLateLeads(t *testing.T) {
	slow := &recordingSink{name: "slow", delay: 50 * time.Millisecond}
	n := New([]Sink{slow}, time.Second, nil)

	n.Notify(sampleLead())
	require.NoError(t, n.Shutdown(context.Background()))
	assert.Len(t, slow.received(), 1)

	n.Notify(sampleLead())
	require.NoError(t, n.Wait(context.Background()))
	assert.Len(t, slow.received(), 1)
}

func TestNotifyConcurrentWithShutdown(t *testing.T) {
	sink := &recordingSink{name: "sink"}
	n := New([]Sink{sink}, time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Notify(sampleLead())
		}()
	}
	require.NoError(t, n.Shutdown(context.Background()))
	wg.Wait()

	// every accepted lead was delivered before Shutdown returned
	delivered := len(sink.received())
	require.NoError(t, n.Wait(context.Background()))
	assert.Equal(t, delivered, len(sink.received()))
}

func TestDisabledNotifier(t *testing.T) {
	var nilNotifier *Notifier
	assert.False(t, nilNotifier.Enabled())
	nilNotifier.Notify(sampleLead())
	assert.NoError(t, nilNotifier.Wait(context.Background()))
	assert.NoError(t, nilNotifier.Shutdown(context.Background()))

	empty := New(nil, 0, nil)
	assert.False(t, empty.Enabled())
	empty.Notify(sampleLead())
	assert.NoError(t, empty.Wait(context.Background()))
}
