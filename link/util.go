package link

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/golang/glog"
)

// makes a copy of the list on update, so `Get` results are safe to
// iterate without holding the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*callbackEntry[T]
}

type callbackEntry[T any] struct {
	callback T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []*callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

// returns an unsub function. callbacks are never left anonymous.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := &callbackEntry[T]{
		callback: callback,
	}
	nextCallbacks := append([]*callbackEntry[T]{}, self.callbacks...)
	nextCallbacks = append(nextCallbacks, entry)
	self.callbacks = nextCallbacks

	return func() {
		self.remove(entry)
	}
}

func (self *CallbackList[T]) remove(entry *callbackEntry[T]) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := []*callbackEntry[T]{}
	for _, existing := range self.callbacks {
		if existing != entry {
			nextCallbacks = append(nextCallbacks, existing)
		}
	}
	self.callbacks = nextCallbacks
}

// linear backoff with jitter between reconnect attempts
type Reconnect struct {
	timeout time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	jitter := time.Duration(rand.Int63n(int64(self.timeout) / 2))
	return time.After(self.timeout + jitter)
}

// a monitor closes its notify channel on each update,
// so waiters wake without polling
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// signal-aware lifetime for a composition root
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) SetOnSignals(signals ...os.Signal) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	go func() {
		defer signal.Stop(c)
		select {
		case <-self.ctx.Done():
		case s := <-c:
			glog.Infof("[ev]exit on %s\n", s)
			self.cancel()
		}
	}()
}

func (self *Event) WaitForExit() {
	<-self.ctx.Done()
}

func (self *Event) Cancel() {
	self.cancel()
}

// supervised background tasks. failures are observable and
// shutdown joins every task instead of leaving them detached.
type TaskGroup struct {
	ctx context.Context

	mutex sync.Mutex
	wg    sync.WaitGroup
}

func NewTaskGroup(ctx context.Context) *TaskGroup {
	return &TaskGroup{
		ctx: ctx,
	}
}

func (self *TaskGroup) Go(tag string, task func(ctx context.Context)) {
	self.wg.Add(1)
	go func() {
		defer self.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				glog.Errorf("[task]%s panic = %v\n", tag, r)
			}
		}()
		task(self.ctx)
	}()
}

func (self *TaskGroup) Wait() {
	self.wg.Wait()
}
