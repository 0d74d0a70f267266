package fluxcore

// Scheduler is the optional external driver for a store's run loop and
// initial InitAction dispatch (spec §6). When set, a store never calls
// run() synchronously from Dispatch — it hands the thunk to Scheduler
// instead. interval distinguishes a one-shot tick (false) from a repeating
// one (true); the store only ever asks for one-shot ticks (once per
// Dispatch), leaving repeating schedules to callers who want, e.g., a
// periodic re-drain independent of dispatch activity.
type Scheduler interface {
	Schedule(thunk func(), interval bool)
}

// Options configures a Store at construction. Use the With* functions
// below rather than constructing Options directly, mirroring the teacher's
// functional-option pattern (modules/scheduler.SchedulerOption).
type Options struct {
	AutoInit         bool
	Threads          int
	Scheduler        Scheduler
	ActionMiddleware func(Action)
	EventMiddleware  func(Event)
	TaskCreator      TaskCreator
	Logger           Logger
}

// Option mutates Options during NewStore.
type Option func(*Options)

func defaultOptions() Options {
	return Options{Threads: 4}
}

// WithAutoInit dispatches InitAction once the store's workers are running.
func WithAutoInit() Option {
	return func(o *Options) { o.AutoInit = true }
}

// WithThreads sets the worker pool size. Defaults to 4.
func WithThreads(n int) Option {
	return func(o *Options) { o.Threads = n }
}

// WithScheduler installs an external driver for run() and the initial
// InitAction dispatch.
func WithScheduler(s Scheduler) Option {
	return func(o *Options) { o.Scheduler = s }
}

// WithActionMiddleware installs an observer called on every action just
// before it's buffered. It cannot drop or rewrite the action.
func WithActionMiddleware(fn func(Action)) Option {
	return func(o *Options) { o.ActionMiddleware = fn }
}

// WithEventMiddleware installs an observer called on every event just
// before it's buffered.
func WithEventMiddleware(fn func(Event)) Option {
	return func(o *Options) { o.EventMiddleware = fn }
}

// WithTaskCreator overrides the default pooled TaskCreator.
func WithTaskCreator(tc TaskCreator) Option {
	return func(o *Options) { o.TaskCreator = tc }
}

// WithLogger installs a Logger. Defaults to a no-op logger.
func WithLogger(l Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// EventSubscriptionOptions controls a single SubscribeEvent registration.
type EventSubscriptionOptions struct {
	ImmediateRun bool
}

// EventSubscriptionOption mutates EventSubscriptionOptions.
type EventSubscriptionOption func(*EventSubscriptionOptions)

// WithImmediateRun runs the handler synchronously on the run-loop thread
// instead of enqueuing it onto the worker pool.
func WithImmediateRun() EventSubscriptionOption {
	return func(o *EventSubscriptionOptions) { o.ImmediateRun = true }
}

func defaultEventSubscriptionOptions() EventSubscriptionOptions {
	return EventSubscriptionOptions{}
}

// AutorunOptions controls how an Autorun node behaves on construction and
// on every subscriber fan-out.
type AutorunOptions[V any] struct {
	InitialRun              bool
	DefaultValue            V
	SubscribersImmediateRun *bool
}

// AutorunOption mutates AutorunOptions[V].
type AutorunOption[V any] func(*AutorunOptions[V])

// WithInitialRun performs one evaluation immediately at construction if the
// store already has state.
func WithInitialRun[V any]() AutorunOption[V] {
	return func(o *AutorunOptions[V]) { o.InitialRun = true }
}

// WithDefaultValue seeds Value()/Call() before the first evaluation runs.
func WithDefaultValue[V any](v V) AutorunOption[V] {
	return func(o *AutorunOptions[V]) { o.DefaultValue = v }
}

// WithSubscribersImmediateRun overrides the immediate-vs-deferred fan-out
// default (sync autoruns default to immediate, async ones to deferred).
func WithSubscribersImmediateRun[V any](immediate bool) AutorunOption[V] {
	return func(o *AutorunOptions[V]) { o.SubscribersImmediateRun = &immediate }
}

func defaultAutorunOptions[V any]() AutorunOptions[V] {
	return AutorunOptions[V]{}
}
