package fluxcore

import "sync"

// eventTask is one unit of work handed to the worker pool: an event-handler
// box to deref and invoke against event. A nil *eventTask sent on the queue
// is the shutdown sentinel a worker receives and exits on.
type eventTask struct {
	box   RefBox[func(Event) Task]
	event Event
}

// workerPool is the side-effect worker from spec §4.B: a fixed set of
// long-lived goroutines consuming (handler, event) pairs from a shared FIFO
// queue. Workers never touch store state, listeners, or autoruns directly —
// they only deref+invoke handlers and forward the resulting Task to the
// store's task creator.
//
// Grounded on the teacher's MemoryEventBus: a buffered chan of work items
// drained by a fixed goroutine count, started and stopped with a
// sync.WaitGroup.
type workerPool struct {
	queue       chan *eventTask
	threads     int
	wg          sync.WaitGroup
	logger      Logger
	taskCreator TaskCreator
}

func newWorkerPool(threads int, logger Logger, taskCreator TaskCreator) *workerPool {
	return &workerPool{
		queue:       make(chan *eventTask, threads*4),
		threads:     threads,
		logger:      logger,
		taskCreator: taskCreator,
	}
}

func (p *workerPool) start() {
	for i := 0; i < p.threads; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for t := range p.queue {
		if t == nil {
			return
		}
		p.invoke(t)
	}
}

// invoke derefs the handler box and calls it, isolating any panic or error to
// this single iteration (§4.B Failure: "one handler's failure must not stop
// the pipeline"). The worker never holds the store lock while doing this.
func (p *workerPool) invoke(t *eventTask) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handler panicked", "panic", r, "event", eventTypeName(t.event), "error", ErrHandlerFailure)
		}
	}()

	fn, ok := t.box.Deref()
	if !ok {
		// DeadReference: the handler's weak hold has been collected. No error
		// surfaced, nothing queued — the entry is pruned from the registry on
		// its next traversal, not here.
		return
	}

	task := fn(t.event)
	if task != nil && p.taskCreator != nil {
		p.taskCreator(task, nil)
	}
}

// enqueue hands (box, event) to the pool. Called only from the run-loop
// thread inside runOneEvent, never concurrently with itself.
func (p *workerPool) enqueue(box RefBox[func(Event) Task], event Event) {
	p.queue <- &eventTask{box: box, event: event}
}

// shutdown sends one nil sentinel per worker; wait blocks until all of them
// have exited. Always called from its own goroutine (see Store.onFinish) so it
// never blocks the run loop.
func (p *workerPool) shutdown() {
	for i := 0; i < p.threads; i++ {
		p.queue <- nil
	}
}

func (p *workerPool) wait() {
	p.wg.Wait()
}

func eventTypeName(e Event) string {
	if e == nil {
		return "<nil>"
	}
	return typeName(e)
}
