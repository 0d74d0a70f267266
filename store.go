package fluxcore

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Listener is called after each quiescent state change (§3). A non-nil
// returned Task is handed to the store's TaskCreator; a nil Task means the
// listener finished synchronously.
type Listener[S any] func(state S) Task

type erasedHandlerEntry struct {
	box  RefBox[func(Event) Task]
	opts EventSubscriptionOptions
}

// Store owns state, the action/event buffers, the listener and event-handler
// registries, the worker pool, and the reentrancy guard. It is the engine
// described in spec §4.C.
type Store[S any] struct {
	reducer Reducer[S]

	mu       sync.Mutex // guards everything below (buffers, registries, state)
	state    S
	hasState bool
	actions  []Action
	events   []Event

	listeners map[Handle]RefBox[Listener[S]]
	handlers  map[reflect.Type]map[Handle]erasedHandlerEntry
	finished  bool

	running atomic.Bool // the non-blocking run-lock (§5: "advisory")

	pool        *workerPool
	taskCreator TaskCreator
	scheduler   Scheduler
	actionMW    func(Action)
	eventMW     func(Event)
	logger      Logger
}

// NewStore constructs a Store around reducer, starts its worker pool, and
// (if WithAutoInit was given) dispatches InitAction.
func NewStore[S any](reducer Reducer[S], opts ...Option) (*Store[S], error) {
	if reducer == nil {
		return nil, ErrNilReducer
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	threads := o.Threads
	if threads <= 0 {
		threads = 1
	}
	taskCreator := o.TaskCreator
	if taskCreator == nil {
		taskCreator = NewPooledTaskCreator(threads)
	}

	s := &Store[S]{
		reducer:     reducer,
		listeners:   map[Handle]RefBox[Listener[S]]{},
		handlers:    map[reflect.Type]map[Handle]erasedHandlerEntry{},
		pool:        newWorkerPool(threads, logger, taskCreator),
		taskCreator: taskCreator,
		scheduler:   o.Scheduler,
		actionMW:    o.ActionMiddleware,
		eventMW:     o.EventMiddleware,
		logger:      logger,
	}
	s.pool.start()
	s.registerFinishHandler()

	if o.AutoInit {
		if s.scheduler != nil {
			s.scheduler.Schedule(func() { _ = s.Dispatch(InitAction{}) }, false)
		} else if err := s.Dispatch(InitAction{}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// registerFinishHandler installs the internal handler described in §4.C
// "Worker-pool coordination": on FinishEvent, enqueue `threads` shutdown
// sentinels and, once all workers have joined, clear the registries.
func (s *Store[S]) registerFinishHandler() {
	SubscribeEventBox[S, FinishEvent](s, NewStrong(func(FinishEvent) Task {
		s.onFinish()
		return nil
	}), WithImmediateRun())
}

// onFinish runs the shutdown sequence off the run-loop thread: the run loop
// itself never blocks (spec §5 "no suspension points"), so sentinel
// delivery and the worker join happen in a dedicated goroutine.
func (s *Store[S]) onFinish() {
	go func() {
		s.pool.shutdown()
		s.pool.wait()
		s.mu.Lock()
		s.listeners = map[Handle]RefBox[Listener[S]]{}
		s.handlers = map[reflect.Type]map[Handle]erasedHandlerEntry{}
		s.finished = true
		s.mu.Unlock()
	}()
}

// CurrentState returns the store's state and whether the reducer has ever
// run (state is absent, "none", until the first successful reduction).
func (s *Store[S]) CurrentState() (S, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.hasState
}

// Snapshot returns the current state rendered via the default structural
// snapshot policy (see snapshot.go).
func (s *Store[S]) Snapshot() any {
	state, hasState := s.CurrentState()
	if !hasState {
		return nil
	}
	return Snapshot(state)
}

// Subscribe registers a state listener with a strong hold and returns an
// unregister thunk.
func (s *Store[S]) Subscribe(listener Listener[S]) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}
	return s.subscribeBox(NewStrong(listener))
}

// SubscribeWeak registers receiver's bound listener method with only a weak
// hold on receiver (spec scenario S5). bind is re-invoked on every live
// notification to rebuild the Listener from the still-live receiver.
func SubscribeWeak[S any, R any](store *Store[S], receiver *R, bind func(*R) Listener[S]) (unsubscribe func()) {
	return store.subscribeBox(NewWeakMethod(receiver, bind))
}

func (s *Store[S]) subscribeBox(box RefBox[Listener[S]]) func() {
	h := box.Handle()
	s.mu.Lock()
	s.listeners[h] = box
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, h)
		s.mu.Unlock()
	}
}

// SubscribeEventBox is the low-level registration primitive behind
// SubscribeEvent/SubscribeEventWeak: it registers box under exactly E's
// concrete runtime type (spec: "exact type match, not subtype").
func SubscribeEventBox[S any, E Event](store *Store[S], box RefBox[func(E) Task], opts ...EventSubscriptionOption) (unsubscribe func()) {
	o := defaultEventSubscriptionOptions()
	for _, opt := range opts {
		opt(&o)
	}
	erased := eraseEventBox[E](box)
	h := box.Handle()
	t := reflect.TypeOf((*E)(nil)).Elem()

	store.mu.Lock()
	if store.handlers[t] == nil {
		store.handlers[t] = map[Handle]erasedHandlerEntry{}
	}
	store.handlers[t][h] = erasedHandlerEntry{box: erased, opts: o}
	store.mu.Unlock()

	return func() {
		store.mu.Lock()
		delete(store.handlers[t], h)
		store.mu.Unlock()
	}
}

// SubscribeEvent registers a strongly-held, one-argument handler for E.
func SubscribeEvent[S any, E Event](store *Store[S], handler func(E) Task, opts ...EventSubscriptionOption) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	return SubscribeEventBox[S, E](store, NewStrong(handler), opts...)
}

// SubscribeEventZeroArg registers a strongly-held, zero-argument handler for
// E — the arity-adapted variant described in spec §4.C "Arity detection" /
// the Design Note recommending typed wrappers over reflection.
func SubscribeEventZeroArg[S any, E Event](store *Store[S], handler func() Task, opts ...EventSubscriptionOption) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	return SubscribeEventBox[S, E](store, NewStrong(func(E) Task { return handler() }), opts...)
}

// SubscribeEventWeak registers a handler bound to receiver with only a weak
// hold on receiver.
func SubscribeEventWeak[S any, E Event, R any](store *Store[S], receiver *R, bind func(*R) func(E) Task, opts ...EventSubscriptionOption) (unsubscribe func()) {
	return SubscribeEventBox[S, E](store, NewWeakMethod(receiver, bind), opts...)
}

type erasedBox[E Event] struct{ inner RefBox[func(E) Task] }

func eraseEventBox[E Event](box RefBox[func(E) Task]) RefBox[func(Event) Task] {
	return &erasedBox[E]{inner: box}
}

func (b *erasedBox[E]) Deref() (func(Event) Task, bool) {
	fn, ok := b.inner.Deref()
	if !ok {
		return nil, false
	}
	return func(e Event) Task { return fn(e.(E)) }, true
}

func (b *erasedBox[E]) Handle() Handle { return b.inner.Handle() }

// Dispatch appends actions and events (in the order given, nested slices
// flattened) to their buffers, then — if no Scheduler is configured and no
// run is in progress — drains them synchronously.
func (s *Store[S]) Dispatch(items ...any) error {
	return s.dispatch(nil, items)
}

// DispatchWithState is Dispatch, but first calls fn with the current state
// (which may be absent) and re-dispatches its result before items — "with-
// state first" (spec §9 Open Question 2).
func (s *Store[S]) DispatchWithState(fn func(state S, hasState bool) []any, items ...any) error {
	return s.dispatch(fn, items)
}

func (s *Store[S]) dispatch(withState func(S, bool) []any, items []any) error {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished {
		return ErrStoreFinished
	}

	var all []any
	if withState != nil {
		state, hasState := s.CurrentState()
		all = append(all, withState(state, hasState)...)
	}
	all = append(all, items...)

	actions, events := s.classify(all)

	s.mu.Lock()
	s.actions = append(s.actions, actions...)
	s.events = append(s.events, events...)
	s.mu.Unlock()

	if s.scheduler != nil {
		s.scheduler.Schedule(s.run, false)
		return nil
	}
	s.run()
	return nil
}

func (s *Store[S]) classify(items []any) (actions []Action, events []Event) {
	for _, it := range items {
		switch v := it.(type) {
		case nil:
			continue
		case []any:
			a2, e2 := s.classify(v)
			actions = append(actions, a2...)
			events = append(events, e2...)
		case []Action:
			for _, a := range v {
				actions = append(actions, s.throughActionMW(a))
			}
		case []Event:
			for _, e := range v {
				events = append(events, s.throughEventMW(e))
			}
		case Action:
			actions = append(actions, s.throughActionMW(v))
		case Event:
			events = append(events, s.throughEventMW(v))
		default:
			s.logger.Warn("dispatch: ignoring item of unsupported type", "type", typeName(it))
		}
	}
	return actions, events
}

func (s *Store[S]) throughActionMW(a Action) Action {
	if s.actionMW != nil {
		s.actionMW(a)
	}
	return a
}

func (s *Store[S]) throughEventMW(e Event) Event {
	if s.eventMW != nil {
		s.eventMW(e)
	}
	return e
}

// run is the reentrancy-guarded drain loop from spec §4.C. A concurrent
// caller that finds the lock held simply returns (ReentrantRun, §7) — the
// buffers it just appended to will be drained by whichever goroutine is
// already running.
func (s *Store[S]) run() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("dispatch: run already in progress", "error", ErrReentrantRun)
		return
	}
	released := false
	defer func() {
		if !released {
			s.running.Store(false)
		}
	}()

	for {
		s.mu.Lock()
		anyActions := len(s.actions) > 0
		anyEvents := len(s.events) > 0
		if !anyActions && !anyEvents {
			// Release the run lock while still holding mu: a concurrent
			// dispatch appends under mu, so its items either land before this
			// check or find the run lock free afterwards.
			s.running.Store(false)
			released = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if anyActions {
			s.runOneAction()
		}
		s.mu.Lock()
		anyEvents = len(s.events) > 0
		s.mu.Unlock()
		if anyEvents {
			s.runOneEvent()
		}
	}
}

func (s *Store[S]) runOneAction() {
	s.mu.Lock()
	if len(s.actions) == 0 {
		s.mu.Unlock()
		return
	}
	action := s.actions[0]
	state := s.state
	hasState := s.hasState
	s.mu.Unlock()

	newState, effects, err := s.reducer(state, hasState, action)
	if err != nil {
		// §9 Open Question 3 resolution: the action is popped only once the
		// reducer succeeds, so a ReducerFailure leaves it at the head of the
		// buffer for a fixed-up retry, rather than silently dropping it.
		s.logger.Error("reducer failed", "error", err, "action", typeName(action))
		return
	}

	_, isFinish := action.(FinishAction)

	s.mu.Lock()
	if len(s.actions) > 0 {
		s.actions = s.actions[1:]
	}
	s.state = newState
	s.hasState = true
	s.mu.Unlock()

	// Composite follow-ups re-enter the same classify/middleware path as
	// externally dispatched items (spec §6: middleware is "observed before
	// buffering" for every action/event, not just the ones Dispatch sees
	// directly) — matching how the reference implementation's _run_actions
	// re-enters dispatch for a reducer's composite result.
	var followUps []any
	for _, a := range effects.Actions {
		followUps = append(followUps, a)
	}
	for _, e := range effects.Events {
		followUps = append(followUps, e)
	}
	if isFinish {
		followUps = append(followUps, FinishEvent{})
	}
	actions, events := s.classify(followUps)

	s.mu.Lock()
	s.actions = append(s.actions, actions...)
	s.events = append(s.events, events...)
	noMoreActions := len(s.actions) == 0
	quiescentState := s.state
	s.mu.Unlock()

	if noMoreActions {
		s.notifyListeners(quiescentState)
	}
}

func (s *Store[S]) notifyListeners(state S) {
	s.mu.Lock()
	boxes := make([]RefBox[Listener[S]], 0, len(s.listeners))
	handles := make([]Handle, 0, len(s.listeners))
	for h, b := range s.listeners {
		boxes = append(boxes, b)
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var dead []Handle
	for i, b := range boxes {
		fn, ok := b.Deref()
		if !ok {
			dead = append(dead, handles[i])
			continue
		}
		task := s.invokeListener(fn, state)
		s.submitTask(task)
	}

	if len(dead) > 0 {
		s.mu.Lock()
		for _, h := range dead {
			delete(s.listeners, h)
		}
		s.mu.Unlock()
	}
}

func (s *Store[S]) invokeListener(fn Listener[S], state S) (task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state listener panicked", "panic", r, "error", ErrListenerFailure)
			task = nil
		}
	}()
	return fn(state)
}

func (s *Store[S]) runOneEvent() {
	s.mu.Lock()
	if len(s.events) == 0 {
		s.mu.Unlock()
		return
	}
	event := s.events[0]
	s.events = s.events[1:]
	t := reflect.TypeOf(event)
	entries := make([]erasedHandlerEntry, 0, len(s.handlers[t]))
	for _, e := range s.handlers[t] {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var dead []Handle
	for _, entry := range entries {
		if _, ok := entry.box.Deref(); !ok {
			dead = append(dead, entry.box.Handle())
			continue
		}
		if entry.opts.ImmediateRun {
			s.invokeHandlerImmediate(entry.box, event)
		} else {
			s.pool.enqueue(entry.box, event)
		}
	}

	if len(dead) > 0 {
		s.mu.Lock()
		for _, h := range dead {
			delete(s.handlers[t], h)
		}
		s.mu.Unlock()
	}
}

func (s *Store[S]) invokeHandlerImmediate(box RefBox[func(Event) Task], event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked", "panic", r, "event", typeName(event), "error", ErrHandlerFailure)
		}
	}()
	fn, ok := box.Deref()
	if !ok {
		return
	}
	s.submitTask(fn(event))
}

// SubmitTask hands t to the store's TaskCreator. Exported so Autorun (and
// other external reactive nodes built atop a Store) can route their own
// deferred completions through the same seam as listeners and handlers.
func (s *Store[S]) SubmitTask(t Task) {
	s.submitTask(t)
}

func (s *Store[S]) submitTask(t Task) {
	if t == nil || s.taskCreator == nil {
		return
	}
	s.taskCreator(t, nil)
}
