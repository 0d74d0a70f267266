package fluxcore

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario S1: counter — Dispatch Init, Inc, Inc, Inc; final count is 3 and
// an autorun over state.count runs once per quiescent state (init + 3).
func TestScenario_S1_Counter(t *testing.T) {
	store, err := NewStore(counterReducer, WithAutoInit())
	require.NoError(t, err)

	var runs int32
	NewSimpleAutorun[int, int, int](
		store,
		func(s int) int { return s },
		func(proj int, prev *int) int {
			atomic.AddInt32(&runs, 1)
			return proj
		},
		WithInitialRun[int](),
	)

	require.NoError(t, store.Dispatch(incAction{n: 1}))
	require.NoError(t, store.Dispatch(incAction{n: 1}))
	require.NoError(t, store.Dispatch(incAction{n: 1}))

	state, _ := store.CurrentState()
	assert.Equal(t, 3, state)
	assert.EqualValues(t, 4, atomic.LoadInt32(&runs))
}

// Scenario S2: memoized projection — selector over state.A; actions that
// only touch B must not trigger a re-run. Exactly one invocation, on the
// first notification (the store has no state when the autorun is built, so
// WithInitialRun does not run it).
func TestScenario_S2_MemoizedProjection(t *testing.T) {
	store, err := NewStore(pairReducer)
	require.NoError(t, err)

	var runs int32
	NewSimpleAutorun[pairState, int, int](
		store,
		func(s pairState) int { return s.A },
		func(proj int, prev *int) int {
			atomic.AddInt32(&runs, 1)
			return proj
		},
		WithInitialRun[int](),
	)

	require.NoError(t, store.Dispatch(setB{v: 1}))
	require.NoError(t, store.Dispatch(setB{v: 2}))
	require.NoError(t, store.Dispatch(setB{v: 3}))

	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

type loginAction struct{ BaseAction }
type loadProfileAction struct{ BaseAction }
type loggedEvent struct{ BaseEvent }

func TestScenario_S3_CompositeEmit(t *testing.T) {
	var sawLoadProfile int32
	reducer := func(state int, hasState bool, action Action) (int, Effects, error) {
		switch action.(type) {
		case loginAction:
			return state, Effects{
				Actions: []Action{loadProfileAction{}},
				Events:  []Event{loggedEvent{}},
			}, nil
		case loadProfileAction:
			atomic.AddInt32(&sawLoadProfile, 1)
			return state, Effects{}, nil
		}
		return state, Effects{}, nil
	}

	store, err := NewStore(reducer)
	require.NoError(t, err)

	var handled int32
	SubscribeEvent[int](store, func(loggedEvent) Task {
		atomic.AddInt32(&handled, 1)
		return nil
	}, WithImmediateRun())

	require.NoError(t, store.Dispatch(loginAction{}))

	assert.EqualValues(t, 1, atomic.LoadInt32(&sawLoadProfile))
	assert.EqualValues(t, 1, atomic.LoadInt32(&handled))
}

func TestScenario_S4_Finish(t *testing.T) {
	store, err := NewStore(counterReducer, WithThreads(2))
	require.NoError(t, err)

	require.NoError(t, store.Dispatch(incAction{n: 1}))
	require.NoError(t, store.Dispatch(FinishAction{}))

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.finished
	}, time.Second, time.Millisecond)

	err = store.Dispatch(incAction{n: 1})
	assert.ErrorIs(t, err, ErrStoreFinished)
}

// Scenario S6: prev projection — state sequence 1,2,2,3 must invoke fn with
// (1,none),(2,1),(3,2): three calls, not four (the repeated 2 is memoized
// away).
func TestScenario_S6_PrevProjection(t *testing.T) {
	type seqState struct{ V int }
	type setV struct {
		BaseAction
		v int
	}
	reducer := func(state seqState, hasState bool, action Action) (seqState, Effects, error) {
		if a, ok := action.(setV); ok {
			state.V = a.v
		}
		return state, Effects{}, nil
	}

	store, err := NewStore(reducer)
	require.NoError(t, err)

	type call struct {
		cur  int
		prev int
		none bool
	}
	var calls []call

	NewSimpleAutorun[seqState, int, int](
		store,
		func(s seqState) int { return s.V },
		func(proj int, prev *int) int {
			if prev == nil {
				calls = append(calls, call{cur: proj, none: true})
			} else {
				calls = append(calls, call{cur: proj, prev: *prev})
			}
			return proj
		},
	)

	require.NoError(t, store.Dispatch(setV{v: 1}))
	require.NoError(t, store.Dispatch(setV{v: 2}))
	require.NoError(t, store.Dispatch(setV{v: 2}))
	require.NoError(t, store.Dispatch(setV{v: 3}))

	require.Len(t, calls, 3)
	assert.True(t, calls[0].none)
	assert.Equal(t, 1, calls[0].cur)
	assert.Equal(t, 2, calls[1].cur)
	assert.Equal(t, 1, calls[1].prev)
	assert.Equal(t, 3, calls[2].cur)
	assert.Equal(t, 2, calls[2].prev)
}
