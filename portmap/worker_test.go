package portmap

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

// mockMapper records calls and tracks how many operations overlap.
type mockMapper struct {
	delay   time.Duration
	addErr  error
	block   chan struct{}
	started chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32

	mu      sync.Mutex
	calls   []string
	deleted []uint16
}

func (m *mockMapper) Name() string { return "mock" }

func (m *mockMapper) enter() {
	n := m.active.Add(1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (m *mockMapper) AddMapping(ctx context.Context, proto Protocol, internal, external uint16, lifetime time.Duration) (uint16, error) {
	m.enter()
	defer m.active.Add(-1)

	m.mu.Lock()
	m.calls = append(m.calls, "add")
	m.mu.Unlock()

	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	time.Sleep(m.delay)
	if m.addErr != nil {
		return 0, m.addErr
	}
	if external == 0 {
		external = internal
	}
	return external, nil
}

func (m *mockMapper) DeleteMapping(ctx context.Context, proto Protocol, internal, external uint16) error {
	m.enter()
	defer m.active.Add(-1)
	time.Sleep(m.delay)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "delete")
	m.deleted = append(m.deleted, external)
	return nil
}

func (m *mockMapper) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func TestWorkerNeverRunsTwoOperations(t *testing.T) {
	w := NewWorker()
	defer w.Close()
	m := &mockMapper{delay: 2 * time.Millisecond}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			if i%3 == 0 {
				// owners that go away at arbitrary points
				go func() {
					time.Sleep(time.Duration(i) * time.Millisecond)
					cancel()
				}()
			} else {
				defer cancel()
			}
			<-w.Submit(ctx, Request{Mapper: m, Protocol: UDP, InternalPort: uint16(1000 + i), Unmap: i%4 == 0})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), m.maxActive.Load())
}

func TestWorkerMapsAndReports(t *testing.T) {
	w := NewWorker()
	defer w.Close()
	m := &mockMapper{}

	res, ok := <-w.Submit(context.Background(), Request{Mapper: m, Protocol: UDP, InternalPort: 61000})
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.Equal(t, uint16(61000), res.ExternalPort)

	res = <-w.Submit(context.Background(), Request{Mapper: m, Protocol: UDP, InternalPort: 61000, ExternalPort: 61000, Unmap: true})
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"add", "delete"}, m.callLog())
}

func TestWorkerReportsMapperError(t *testing.T) {
	w := NewWorker()
	defer w.Close()
	m := &mockMapper{addErr: errors.New("refused by router")}

	res := <-w.Submit(context.Background(), Request{Mapper: m, Protocol: UDP, InternalPort: 61000})
	assert.ErrorContains(t, res.Err, "refused by router")
}

func TestWorkerReleasesMappingWhenOwnerCancelledMidway(t *testing.T) {
	w := NewWorker()
	defer w.Close()
	m := &mockMapper{block: make(chan struct{}), started: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	ch := w.Submit(ctx, Request{Mapper: m, Protocol: UDP, InternalPort: 61000})

	<-m.started
	cancel()
	close(m.block)

	_, ok := <-ch
	assert.False(t, ok, "nothing is reported to a cancelled owner")
	assert.Equal(t, []string{"add", "delete"}, m.callLog())
	assert.Equal(t, []uint16{61000}, m.deleted)
}

func TestWorkerDropsTaskOfCancelledOwner(t *testing.T) {
	w := NewWorker()
	defer w.Close()
	blocker := &mockMapper{block: make(chan struct{}), started: make(chan struct{}, 1)}
	m := &mockMapper{}

	first := w.Submit(context.Background(), Request{Mapper: blocker, Protocol: UDP, InternalPort: 1})
	<-blocker.started

	ctx, cancel := context.WithCancel(context.Background())
	queued := w.Submit(ctx, Request{Mapper: m, Protocol: UDP, InternalPort: 2})
	cancel()
	close(blocker.block)

	<-first
	_, ok := <-queued
	assert.False(t, ok)
	assert.Empty(t, m.callLog())
}

func TestWorkerUnmapIgnoresOwnerCancellation(t *testing.T) {
	w := NewWorker()
	defer w.Close()
	m := &mockMapper{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, ok := <-w.Submit(ctx, Request{Mapper: m, Protocol: UDP, InternalPort: 5, ExternalPort: 5, Unmap: true})
	require.True(t, ok)
	assert.NoError(t, res.Err)
	assert.Equal(t, []uint16{5}, m.deleted)
}

func TestWorkerFIFO(t *testing.T) {
	w := NewWorker()
	defer w.Close()
	m := &mockMapper{block: make(chan struct{}), started: make(chan struct{}, 4)}

	var chans []<-chan Result
	for i := uint16(1); i <= 3; i++ {
		chans = append(chans, w.Submit(context.Background(), Request{Mapper: m, Protocol: UDP, InternalPort: i}))
	}
	close(m.block)

	for i, ch := range chans {
		res := <-ch
		assert.Equal(t, uint16(i+1), res.ExternalPort)
	}
}

func TestWorkerClosed(t *testing.T) {
	w := NewWorker()
	w.Close()
	w.Close()

	res := <-w.Submit(context.Background(), Request{Mapper: &mockMapper{}})
	assert.ErrorIs(t, res.Err, ErrWorkerClosed)
}

func TestDefaultWorkerIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
