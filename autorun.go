package fluxcore

import "sync"

// Selector projects a slice of store state into the narrower shape an
// Autorun actually cares about (spec §4.D "Reference Box" projection step).
type Selector[S any, P any] func(state S) P

// Comparator reduces full state to the comparable value the memoization law
// is checked against. It operates on state independently of the selector —
// it may key off state the selector never passes through — and defaults to
// the projection itself (see NewSimpleAutorun). A nil Comparator disables
// memoization entirely: fn is re-run on every state change.
type Comparator[S any, C comparable] func(state S) C

// AutorunFunc is a synchronous reaction: given the current projection and a
// pointer to the previous one (nil on the first call), it computes V.
type AutorunFunc[P any, V any] func(proj P, prev *P) V

// AsyncAutorunFunc is AutorunFunc's deferred-completion counterpart: it may
// return a non-nil Task alongside its (possibly provisional) V.
type AsyncAutorunFunc[P any, V any] func(proj P, prev *P) (V, Task)

// Autorun is a memoized reactive derivation over a Store[S]'s state (spec
// §4.D). It subscribes to the store as a plain Listener, re-projects and
// compares on every quiescent state change, and only re-runs fn when the
// comparator's output actually changes — the memoization law in §7.
type Autorun[S any, P any, C comparable, V any] struct {
	store    *Store[S]
	selector Selector[S, P]

	comparator    Comparator[S, C]
	hasComparator bool

	fnBox      RefBox[AutorunFunc[P, V]]
	asyncFnBox RefBox[AsyncAutorunFunc[P, V]]
	isAsync    bool

	mu               sync.Mutex
	hasLastComparand bool
	lastComparand    C
	prevProj         *P
	value            V
	hasValue         bool

	subscribersImmediate bool
	subscribers          map[Handle]RefBox[func(V)]

	unsubscribe func()
}

// NewAutorun builds a synchronous Autorun holding fn with a strong reference.
// If comparator is nil, fn runs on every state change with no memoization.
func NewAutorun[S any, P any, C comparable, V any](store *Store[S], selector Selector[S, P], comparator Comparator[S, C], fn AutorunFunc[P, V], opts ...AutorunOption[V]) *Autorun[S, P, C, V] {
	return newAutorun[S, P, C, V](store, selector, comparator, NewStrong(fn), nil, false, opts)
}

// NewWeakAutorun builds a synchronous Autorun whose reaction is bound to
// receiver with only a weak hold, mirroring the strong/weak reference-box
// policy listeners use (spec §4.D: "func is wrapped in a reference box using
// the same strong/weak policy as listeners"). Once receiver is unreachable,
// the box stops derefing and the autorun goes permanently inert.
func NewWeakAutorun[S any, P any, C comparable, V any, R any](store *Store[S], selector Selector[S, P], comparator Comparator[S, C], receiver *R, bind func(*R) AutorunFunc[P, V], opts ...AutorunOption[V]) *Autorun[S, P, C, V] {
	return newAutorun[S, P, C, V](store, selector, comparator, NewWeakMethod(receiver, bind), nil, false, opts)
}

// NewAsyncAutorun builds an Autorun whose reaction may defer completion via
// a returned Task, holding fn with a strong reference. Subscriber fan-out
// defaults to deferred (published only once InformSubscribers is called)
// rather than immediate.
func NewAsyncAutorun[S any, P any, C comparable, V any](store *Store[S], selector Selector[S, P], comparator Comparator[S, C], fn AsyncAutorunFunc[P, V], opts ...AutorunOption[V]) *Autorun[S, P, C, V] {
	return newAutorun[S, P, C, V](store, selector, comparator, nil, NewStrong(fn), true, opts)
}

// NewWeakAsyncAutorun is NewAsyncAutorun with only a weak hold on receiver.
func NewWeakAsyncAutorun[S any, P any, C comparable, V any, R any](store *Store[S], selector Selector[S, P], comparator Comparator[S, C], receiver *R, bind func(*R) AsyncAutorunFunc[P, V], opts ...AutorunOption[V]) *Autorun[S, P, C, V] {
	return newAutorun[S, P, C, V](store, selector, comparator, nil, NewWeakMethod(receiver, bind), true, opts)
}

func newAutorun[S any, P any, C comparable, V any](store *Store[S], selector Selector[S, P], comparator Comparator[S, C], fnBox RefBox[AutorunFunc[P, V]], asyncFnBox RefBox[AsyncAutorunFunc[P, V]], isAsync bool, opts []AutorunOption[V]) *Autorun[S, P, C, V] {
	a := &Autorun[S, P, C, V]{
		store:                store,
		selector:             selector,
		comparator:           comparator,
		hasComparator:        comparator != nil,
		fnBox:                fnBox,
		asyncFnBox:           asyncFnBox,
		isAsync:              isAsync,
		subscribersImmediate: !isAsync,
		subscribers:          map[Handle]RefBox[func(V)]{},
	}
	a.init(opts)
	return a
}

// NewSimpleAutorun is NewAutorun with the comparator defaulting to the
// selector's own projection — the common case where P is already comparable
// and there's no narrower memoization key (spec §4.D: "an optional
// comparator (S) → C, defaults to Proj itself").
func NewSimpleAutorun[S any, P comparable, V any](store *Store[S], selector Selector[S, P], fn AutorunFunc[P, V], opts ...AutorunOption[V]) *Autorun[S, P, P, V] {
	comparator := func(state S) P { return selector(state) }
	return NewAutorun[S, P, P, V](store, selector, comparator, fn, opts...)
}

func (a *Autorun[S, P, C, V]) init(opts []AutorunOption[V]) {
	o := defaultAutorunOptions[V]()
	for _, opt := range opts {
		opt(&o)
	}
	a.value = o.DefaultValue
	if o.SubscribersImmediateRun != nil {
		a.subscribersImmediate = *o.SubscribersImmediateRun
	}

	a.unsubscribe = a.store.Subscribe(func(state S) Task {
		return a.onState(state)
	})

	if o.InitialRun {
		if state, ok := a.store.CurrentState(); ok {
			a.onState(state)
		}
	}
}

// onState is invoked by the store after every quiescent state change. It is
// the §4.D re-evaluation protocol: select, compare, and — only on change —
// evaluate.
func (a *Autorun[S, P, C, V]) onState(state S) Task {
	proj, err := a.safeSelect(state)
	if err != nil {
		a.logger().Error("autorun selector failed", "error", err)
		return nil
	}

	if a.hasComparator {
		cmp, err := a.safeCompare(state)
		if err != nil {
			a.logger().Error("autorun comparator failed", "error", err)
			return nil
		}
		a.mu.Lock()
		unchanged := a.hasLastComparand && cmp == a.lastComparand
		a.lastComparand = cmp
		a.hasLastComparand = true
		a.mu.Unlock()
		if unchanged {
			return nil
		}
	}

	return a.evaluate(proj)
}

func (a *Autorun[S, P, C, V]) safeSelect(state S) (proj P, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrSelectorShapeMismatch
		}
	}()
	proj = a.selector(state)
	return
}

func (a *Autorun[S, P, C, V]) safeCompare(state S) (cmp C, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrSelectorShapeMismatch
		}
	}()
	cmp = a.comparator(state)
	return
}

func (a *Autorun[S, P, C, V]) evaluate(proj P) Task {
	var (
		newValue V
		task     Task
		ok       bool
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger().Error("autorun function panicked", "panic", r)
			}
		}()
		a.mu.Lock()
		prev := a.prevProj
		a.mu.Unlock()
		if a.isAsync {
			fn, live := a.asyncFnBox.Deref()
			if !live {
				a.logger().Error("autorun function is gone", "error", ErrAutorunFuncGone)
				return
			}
			newValue, task = fn(proj, prev)
		} else {
			fn, live := a.fnBox.Deref()
			if !live {
				a.logger().Error("autorun function is gone", "error", ErrAutorunFuncGone)
				return
			}
			newValue = fn(proj, prev)
		}
		ok = true
	}()
	if !ok {
		return nil
	}

	projCopy := proj
	a.mu.Lock()
	a.prevProj = &projCopy
	a.value = newValue
	a.hasValue = true
	a.mu.Unlock()

	if a.subscribersImmediate {
		a.fanOut(newValue)
	}
	if task != nil {
		a.store.SubmitTask(task)
	}
	return task
}

// Value returns the autorun's most recently computed value and whether it
// has ever run.
func (a *Autorun[S, P, C, V]) Value() (V, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value, a.hasValue
}

// Call is the Go realization of spec §4.D "calling an autorun directly":
// re-run the re-evaluation protocol against the store's current state —
// respecting the memoization law, same as a store-driven tick — and return
// latestValue either way.
func (a *Autorun[S, P, C, V]) Call() V {
	if state, ok := a.store.CurrentState(); ok {
		a.onState(state)
	}
	v, _ := a.Value()
	return v
}

// InformSubscribers performs the deferred subscriber fan-out for an autorun
// whose subscribersImmediate is false (the async default, unless overridden
// by WithSubscribersImmediateRun) — spec §4.D step 5: "subscribers are
// notified when the user calls informSubscribers()". A no-op before the
// first value has been computed.
func (a *Autorun[S, P, C, V]) InformSubscribers() {
	v, ok := a.Value()
	if !ok {
		return
	}
	a.fanOut(v)
}

// Subscribe registers fn to be called with every newly computed value. The
// immediate-vs-deferred default follows sync/async unless overridden by
// WithSubscribersImmediateRun.
func (a *Autorun[S, P, C, V]) Subscribe(fn func(V)) (unsubscribe func()) {
	return a.subscribeBox(NewStrong(fn))
}

// SubscribeAutorunWeak registers receiver's bound callback with only a weak hold.
func SubscribeAutorunWeak[S any, P any, C comparable, V any, R any](a *Autorun[S, P, C, V], receiver *R, bind func(*R) func(V)) (unsubscribe func()) {
	return a.subscribeBox(NewWeakMethod(receiver, bind))
}

func (a *Autorun[S, P, C, V]) subscribeBox(box RefBox[func(V)]) func() {
	h := box.Handle()
	a.mu.Lock()
	a.subscribers[h] = box
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subscribers, h)
		a.mu.Unlock()
	}
}

func (a *Autorun[S, P, C, V]) fanOut(v V) {
	a.mu.Lock()
	boxes := make([]RefBox[func(V)], 0, len(a.subscribers))
	handles := make([]Handle, 0, len(a.subscribers))
	for h, b := range a.subscribers {
		boxes = append(boxes, b)
		handles = append(handles, h)
	}
	a.mu.Unlock()

	var dead []Handle
	for i, b := range boxes {
		fn, ok := b.Deref()
		if !ok {
			dead = append(dead, handles[i])
			continue
		}
		a.invokeSubscriber(fn, v)
	}

	if len(dead) > 0 {
		a.mu.Lock()
		for _, h := range dead {
			delete(a.subscribers, h)
		}
		a.mu.Unlock()
	}
}

func (a *Autorun[S, P, C, V]) invokeSubscriber(fn func(V), v V) {
	defer func() {
		if r := recover(); r != nil {
			a.logger().Error("autorun subscriber panicked", "panic", r)
		}
	}()
	fn(v)
}

func (a *Autorun[S, P, C, V]) logger() Logger {
	if a.store != nil && a.store.logger != nil {
		return a.store.logger
	}
	return noopLogger{}
}

// Close detaches the autorun from its store and drops existing subscribers.
// Store notifications no longer re-evaluate it; Call still re-evaluates
// against the store's current state.
func (a *Autorun[S, P, C, V]) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.mu.Lock()
	a.subscribers = map[Handle]RefBox[func(V)]{}
	a.mu.Unlock()
}
