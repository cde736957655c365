package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pagecomposer/internal/assembly"
	"github.com/local/pagecomposer/internal/document"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Publish(a *Artifact) { r.add(fmt.Sprintf("publish:%s", a.Bytes)) }
func (r *recorder) Retire(a *Artifact)  { r.add(fmt.Sprintf("retire:%s", a.Bytes)) }

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func waitState(t *testing.T, p *Pipeline, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Status().State == s }, 2*time.Second, 5*time.Millisecond)
}

func TestDebounceCoalesces(t *testing.T) {
	var calls atomic.Int32
	var model atomic.Int32
	rec := &recorder{}
	p := New(func(context.Context) (*assembly.Result, error) {
		calls.Add(1)
		return &assembly.Result{Bytes: []byte(fmt.Sprint(model.Load())), PageCount: 1}, nil
	}, Options{Debounce: 40 * time.Millisecond, Consumer: rec})
	defer p.Close()

	for i := 1; i <= 5; i++ {
		model.Store(int32(i))
		p.Schedule()
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, StateScheduled, p.Status().State)

	waitState(t, p, StatePublished)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, "5", string(p.Current().Bytes))
	assert.Equal(t, uint64(5), p.Current().Generation)
	assert.Equal(t, []string{"publish:5"}, rec.list())
}

func TestExpiredTimerAfterRescheduleIsIgnored(t *testing.T) {
	var calls atomic.Int32
	p := New(func(context.Context) (*assembly.Result, error) {
		calls.Add(1)
		return &assembly.Result{Bytes: []byte("x"), PageCount: 1}, nil
	}, Options{Debounce: 50 * time.Millisecond})
	defer p.Close()

	p.Schedule()
	p.mu.Lock()
	old := p.timer
	p.mu.Unlock()
	p.Schedule()

	// the replaced timer expired before Stop and now reaches fire
	p.fire(old)
	assert.Equal(t, StateScheduled, p.Status().State)
	assert.EqualValues(t, 0, calls.Load())

	waitState(t, p, StatePublished)
	time.Sleep(80 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, uint64(2), p.Current().Generation)
}

func TestStaleResultDiscarded(t *testing.T) {
	gate := make(chan struct{})
	firstStarted := make(chan struct{})
	var calls atomic.Int32
	rec := &recorder{}

	p := New(func(context.Context) (*assembly.Result, error) {
		n := calls.Add(1)
		if n == 1 {
			close(firstStarted)
			<-gate
		}
		return &assembly.Result{Bytes: []byte(fmt.Sprintf("build%d", n)), PageCount: 1}, nil
	}, Options{Debounce: time.Millisecond, Consumer: rec})
	defer p.Close()

	p.Schedule()
	<-firstStarted
	assert.Equal(t, StateAssembling, p.Status().State)

	p.Schedule()
	require.Eventually(t, func() bool {
		a := p.Current()
		return a != nil && string(a.Bytes) == "build2"
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, "build2", string(p.Current().Bytes))
	assert.Equal(t, []string{"publish:build2"}, rec.list())
	assert.Equal(t, StatePublished, p.Status().State)
}

func TestFailureKeepsPublishedArtifact(t *testing.T) {
	var fail atomic.Bool
	rec := &recorder{}
	p := New(func(context.Context) (*assembly.Result, error) {
		if fail.Load() {
			return nil, &document.AssemblyError{SourceID: 1, Reason: "load source", Err: errors.New("corrupt")}
		}
		return &assembly.Result{Bytes: []byte("good"), PageCount: 2}, nil
	}, Options{Debounce: time.Millisecond, Consumer: rec})
	defer p.Close()

	p.Schedule()
	waitState(t, p, StatePublished)
	good := p.Current()

	fail.Store(true)
	p.Schedule()
	waitState(t, p, StateFailed)

	assert.Same(t, good, p.Current())
	st := p.Status()
	assert.Contains(t, st.Err, "corrupt")
	assert.Equal(t, good.Generation, st.Published)
	assert.Equal(t, 2, st.PageCount)
	assert.True(t, document.IsAssemblyError(p.Err()))
	assert.Equal(t, []string{"publish:good"}, rec.list())

	fail.Store(false)
	p.Schedule()
	require.Eventually(t, func() bool { return p.Current() != good }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"publish:good", "publish:good", "retire:good"}, rec.list())
	assert.NoError(t, p.Err())
}

func TestEmptyResultNothingSelected(t *testing.T) {
	rec := &recorder{}
	p := New(func(context.Context) (*assembly.Result, error) { return nil, nil },
		Options{Debounce: time.Millisecond, Consumer: rec})
	defer p.Close()

	p.Schedule()
	waitState(t, p, StateFailed)
	assert.ErrorIs(t, p.Err(), document.ErrNothingSelected)
	assert.Nil(t, p.Current())
	assert.Empty(t, rec.list())
}

func TestSubscribeAndClose(t *testing.T) {
	rec := &recorder{}
	p := New(func(context.Context) (*assembly.Result, error) {
		return &assembly.Result{Bytes: []byte("x"), PageCount: 1}, nil
	}, Options{Debounce: time.Millisecond, Consumer: rec})

	updates, cancel := p.Subscribe()
	defer cancel()

	p.Schedule()
	require.Eventually(t, func() bool {
		select {
		case st := <-updates:
			return st.State == StatePublished
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	p.Close()
	assert.Equal(t, []string{"publish:x", "retire:x"}, rec.list())
	assert.Nil(t, p.Current())

	p.Schedule()
	assert.Equal(t, StateIdle, p.Status().State)
}
