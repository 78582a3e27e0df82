package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmit_Capacity(t *testing.T) {
	g := New(Config{MaxSessions: 2})
	ctx := context.Background()

	s1, err := g.Admit(ctx, "c1")
	require.NoError(t, err)
	s2, err := g.Admit(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, 2, g.Active())

	_, err = g.Admit(ctx, "c3")
	require.ErrorIs(t, err, ErrRejected)
	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonCapacity, rej.Reason)
	assert.Equal(t, 10*time.Second, rej.RetryAfter)
	assert.Equal(t, 2, g.Active(), "a rejected request takes nothing")

	s1.Release()
	s1.Release()
	assert.Equal(t, 1, g.Active())
	s2.Release()
	assert.Equal(t, 0, g.Active())
}

func TestAdmit_NeverExceedsMax(t *testing.T) {
	g := New(Config{MaxSessions: 3})
	var (
		wg       sync.WaitGroup
		peak     atomic.Int64
		admitted atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := g.Admit(context.Background(), "c")
			if err != nil {
				return
			}
			admitted.Add(1)
			if n := int64(g.Active()); n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			s.Release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Greater(t, admitted.Load(), int64(0))
	assert.Equal(t, 0, g.Active())
}

func TestAdmit_PerChannel(t *testing.T) {
	g := New(Config{MaxSessions: 5, MaxPerChannel: 1})
	s, err := g.Admit(context.Background(), "c1")
	require.NoError(t, err)
	defer s.Release()

	_, err = g.Admit(context.Background(), "c1")
	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonChannel, rej.Reason)

	s2, err := g.Admit(context.Background(), "c2")
	require.NoError(t, err)
	s2.Release()
	assert.Equal(t, 1, g.ActiveFor("c1"))
}

func TestAdmit_QueueFIFO(t *testing.T) {
	g := New(Config{MaxSessions: 1, Wait: 2 * time.Second})
	held, err := g.Admit(context.Background(), "c0")
	require.NoError(t, err)

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := g.Admit(context.Background(), "c")
			if !assert.NoError(t, err) {
				return
			}
			order <- i
			s.Release()
		}(i)
		require.Eventually(t, func() bool { return g.Waiting() == i+1 }, time.Second, time.Millisecond)
	}
	held.Release()
	wg.Wait()
	close(order)
	var got []int
	for i := range order {
		got = append(got, i)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestAdmit_ChannelCappedWaiterDoesNotBlockOthers(t *testing.T) {
	g := New(Config{MaxSessions: 3, MaxPerChannel: 1, Wait: time.Minute})
	held, err := g.Admit(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queued := make(chan *Slot, 1)
	go func() {
		s, err := g.Admit(ctx, "c1")
		if err == nil {
			queued <- s
		}
		close(queued)
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	other, err := g.Admit(context.Background(), "c2")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "admitted without queueing")
	assert.NoError(t, g.Check(context.Background(), "c3"))
	assert.Equal(t, 1, g.Waiting())

	held.Release()
	s, ok := <-queued
	require.True(t, ok)
	assert.Equal(t, 1, g.ActiveFor("c1"))
	s.Release()
	other.Release()
	assert.Equal(t, 0, g.Active())
}

func TestAdmit_CapacityWaiterKeepsItsTurn(t *testing.T) {
	g := New(Config{MaxSessions: 1, Wait: time.Minute})
	held, err := g.Admit(context.Background(), "c0")
	require.NoError(t, err)

	got := make(chan *Slot, 1)
	go func() {
		s, err := g.Admit(context.Background(), "c1")
		if assert.NoError(t, err) {
			got <- s
		}
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, g.Check(context.Background(), "c2"), ErrRejected)

	held.Release()
	s := <-got
	assert.Equal(t, 1, g.ActiveFor("c1"))
	s.Release()
}

func TestAdmit_QueueTimeout(t *testing.T) {
	g := New(Config{MaxSessions: 1, Wait: 50 * time.Millisecond})
	held, err := g.Admit(context.Background(), "c0")
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = g.Admit(context.Background(), "c1")
	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonTimeout, rej.Reason)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, g.Waiting())
}

func TestAdmit_QueueCancel(t *testing.T) {
	g := New(Config{MaxSessions: 1, Wait: time.Minute})
	held, err := g.Admit(context.Background(), "c0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := g.Admit(ctx, "c1")
		done <- err
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	held.Release()
	assert.Equal(t, 0, g.Active())
}

func TestCheck_DoesNotConsume(t *testing.T) {
	g := New(Config{MaxSessions: 1})
	require.NoError(t, g.Check(context.Background(), "c1"))
	assert.Equal(t, 0, g.Active())

	s, err := g.Admit(context.Background(), "c1")
	require.NoError(t, err)
	assert.ErrorIs(t, g.Check(context.Background(), "c2"), ErrRejected)
	s.Release()
}

func TestLoadShedding(t *testing.T) {
	var calls atomic.Int64
	loadValue := 3.0
	g := New(Config{
		MaxSessions:   10,
		LoadThreshold: 2.0,
		Load: func(context.Context) (float64, error) {
			calls.Add(1)
			return loadValue, nil
		},
	})
	_, err := g.Admit(context.Background(), "c1")
	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonLoad, rej.Reason)
	assert.Equal(t, 30*time.Second, rej.RetryAfter)

	_, _ = g.Admit(context.Background(), "c1")
	assert.EqualValues(t, 1, calls.Load(), "samples are cached")
}

func TestLoadSampleErrorDoesNotShed(t *testing.T) {
	g := New(Config{
		MaxSessions:   1,
		LoadThreshold: 1,
		Load:          func(context.Context) (float64, error) { return 0, errors.New("no /proc") },
	})
	s, err := g.Admit(context.Background(), "c1")
	require.NoError(t, err)
	s.Release()
}
