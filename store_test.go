package fluxcore

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type incAction struct {
	BaseAction
	n int
}

func counterReducer(state int, hasState bool, action Action) (int, Effects, error) {
	switch a := action.(type) {
	case incAction:
		return state + a.n, Effects{}, nil
	case FinishAction:
		return state, Effects{}, nil
	default:
		return state, Effects{}, nil
	}
}

func TestStore_DispatchReducesAndNotifies(t *testing.T) {
	store, err := NewStore(counterReducer)
	require.NoError(t, err)

	var got int
	var notifications int32
	store.Subscribe(func(state int) Task {
		got = state
		atomic.AddInt32(&notifications, 1)
		return nil
	})

	require.NoError(t, store.Dispatch(incAction{n: 5}))

	assert.Equal(t, 5, got)
	assert.EqualValues(t, 1, atomic.LoadInt32(&notifications))
}

func TestStore_ListenerSeesOnlyQuiescentState(t *testing.T) {
	// A single Dispatch carrying several actions must notify listeners once,
	// with the state reflecting all of them applied — not once per action.
	store, err := NewStore(counterReducer)
	require.NoError(t, err)

	var calls int32
	var last int
	store.Subscribe(func(state int) Task {
		atomic.AddInt32(&calls, 1)
		last = state
		return nil
	})

	require.NoError(t, store.Dispatch(incAction{n: 1}, incAction{n: 2}, incAction{n: 3}))

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, 6, last)
}

func TestStore_FIFOOrdering(t *testing.T) {
	var order []int
	var mu sync.Mutex
	reducer := func(state int, hasState bool, action Action) (int, Effects, error) {
		if a, ok := action.(incAction); ok {
			mu.Lock()
			order = append(order, a.n)
			mu.Unlock()
			return state + a.n, Effects{}, nil
		}
		return state, Effects{}, nil
	}

	store, err := NewStore(reducer)
	require.NoError(t, err)

	require.NoError(t, store.Dispatch(incAction{n: 1}, incAction{n: 2}, incAction{n: 3}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestStore_ReentrantDispatchIsNonBlocking(t *testing.T) {
	// A listener that re-enters Dispatch must not deadlock; the nested call
	// observes the run-lock held and returns immediately, and its buffered
	// action is drained by the still-running outer loop.
	store, err := NewStore(counterReducer)
	require.NoError(t, err)

	var once sync.Once
	done := make(chan struct{})
	store.Subscribe(func(state int) Task {
		once.Do(func() {
			_ = store.Dispatch(incAction{n: 100})
			close(done)
		})
		return nil
	})

	require.NoError(t, store.Dispatch(incAction{n: 1}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reentrant dispatch deadlocked")
	}

	state, _ := store.CurrentState()
	assert.Equal(t, 101, state)
}

func TestStore_AtMostOneRunAtATime(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	reducer := func(state int, hasState bool, action Action) (int, Effects, error) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			m := atomic.LoadInt32(&maxConcurrent)
			if n <= m || atomic.CompareAndSwapInt32(&maxConcurrent, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return state + 1, Effects{}, nil
	}

	store, err := NewStore(reducer)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Dispatch(incAction{n: 1})
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&maxConcurrent))
}

func TestStore_FinishCompleteness(t *testing.T) {
	store, err := NewStore(counterReducer, WithThreads(3))
	require.NoError(t, err)

	var fired int32
	SubscribeEvent[int](store, func(FinishEvent) Task {
		atomic.AddInt32(&fired, 1)
		return nil
	}, WithImmediateRun())

	require.NoError(t, store.Dispatch(FinishAction{}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.finished
	}, time.Second, time.Millisecond)
}

type weakListenerReceiver struct {
	calls int32
}

func (r *weakListenerReceiver) onState(int) Task {
	atomic.AddInt32(&r.calls, 1)
	return nil
}

func TestStore_WeakListenerCollectedOnceUnreferenced(t *testing.T) {
	store, err := NewStore(counterReducer)
	require.NoError(t, err)

	receiver := &weakListenerReceiver{}
	SubscribeWeak(store, receiver, func(r *weakListenerReceiver) Listener[int] {
		return r.onState
	})

	require.NoError(t, store.Dispatch(incAction{n: 1}))
	assert.EqualValues(t, 1, atomic.LoadInt32(&receiver.calls))

	receiver = nil
	runtime.GC()
	runtime.GC()

	require.NoError(t, store.Dispatch(incAction{n: 1}))

	store.mu.Lock()
	remaining := len(store.listeners)
	store.mu.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestStore_NilReducerRejected(t *testing.T) {
	_, err := NewStore[int](nil)
	assert.ErrorIs(t, err, ErrNilReducer)
}

func TestStore_DispatchWithStateOrdering(t *testing.T) {
	store, err := NewStore(counterReducer)
	require.NoError(t, err)
	require.NoError(t, store.Dispatch(incAction{n: 10}))

	var seenBefore int
	err = store.DispatchWithState(func(state int, hasState bool) []any {
		seenBefore = state
		return []any{incAction{n: 1}}
	}, incAction{n: 2})
	require.NoError(t, err)

	state, _ := store.CurrentState()
	assert.Equal(t, 10, seenBefore)
	assert.Equal(t, 13, state)
}
