package computer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Heliodex/cocraft/lua/vm"
	"github.com/Heliodex/cocraft/terminal"
)

type request uint8

const (
	requestNone request = iota
	requestShutdown
	requestReboot
)

// worker runs one power-on session of a computer. Its goroutine is the only
// one touching the machine and the program's coroutine.
type worker struct {
	c  *Computer
	m  *vm.Machine
	co *vm.Coroutine

	ctx    context.Context
	cancel context.CancelFunc

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	timedOut atomic.Bool

	// set by the program, read after each resume
	request request
	// narrows the events the next pull accepts beyond its name filter
	match func(e Event) bool
}

func newWorker(c *Computer) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		c:      c,
		m:      vm.NewMachine(c.opts.Limits),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	w.install()
	return w
}

// signal tells the worker events are waiting. It never blocks.
func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// halt asks the worker to exit, interrupting the program if it is running.
func (w *worker) halt() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.cancel()
		w.m.Abort()
	})
}

func (w *worker) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *worker) run() {
	defer close(w.done)
	defer w.cancel()
	defer func() {
		// a crash inside a library function is the program's problem, not
		// a budget fault
		if p := recover(); p != nil {
			log.Errorf("computer %d: program crashed: %v\n%s", w.c.id, p, debug.Stack())
			w.printError(fmt.Sprintf("program crashed: %v", p))
			w.idle()
		}
	}()

	c := w.c
	cl, err := c.program(w.m)
	if err != nil {
		log.Errorf("computer %d: %s", c.id, err)
		w.printError(err.Error())
		w.idle()
		return
	}
	w.co = w.m.NewCoroutine(cl)

	var args []vm.Val
	for {
		c.power.Store(int32(On))
		r, err := w.resume(args)

		switch w.request {
		case requestShutdown:
			c.finish(w, false)
			return
		case requestReboot:
			c.finish(w, true)
			return
		}

		if err != nil {
			var ae *vm.AbortError
			if errors.As(err, &ae) {
				if !w.stopping() {
					if w.timedOut.Load() {
						err = ErrTimeout
					}
					w.fault(err)
				}
				return
			}

			var e *vm.Error
			if errors.As(err, &e) {
				log.Debugf("computer %d: %s\n%s", c.id, e, e.Traceback)
			}
			w.printError(err.Error())
			w.idle()
			return
		}
		if w.co.Status() == vm.Dead {
			w.idle()
			return
		}

		c.power.Store(int32(Blinking))
		e, ok := w.next(filter(r))
		if !ok {
			return
		}
		args = e.values()
	}
}

// resume runs the program until it yields, under the wall clock budget.
// A halt at any point before or during the resume stops the program.
func (w *worker) resume(args []vm.Val) ([]vm.Val, error) {
	if w.stopping() {
		return nil, &vm.AbortError{Reason: vm.AbortHost}
	}

	w.timedOut.Store(false)
	d := w.c.opts.Timeout
	if d <= 0 {
		return w.co.Resume(args...)
	}

	fired := make(chan struct{})
	t := time.AfterFunc(d, func() {
		defer close(fired)
		w.timedOut.Store(true)
		w.m.Abort()
	})
	r, err := w.co.Resume(args...)
	if !t.Stop() {
		<-fired
		if err == nil {
			// the program yielded just before the timer fired
			w.timedOut.Store(false)
			w.m.ClearAbort()
			if w.stopping() {
				w.m.Abort()
			}
		}
	}
	return r, err
}

// filter is the event name a yield asks for, if any.
func filter(yielded []vm.Val) string {
	if len(yielded) > 0 {
		if s, ok := yielded[0].(string); ok {
			return s
		}
	}
	return ""
}

// next waits for an event the program accepts, discarding the others.
// Terminate is always accepted. It reports false if the worker was stopped.
func (w *worker) next(name string) (Event, bool) {
	match := w.match
	w.match = nil
	accept := func(e Event) bool {
		switch {
		case e.Name == "terminate":
			return true
		case match != nil:
			return match(e)
		}
		return name == "" || e.Name == name
	}

	for {
		for {
			e, ok := w.c.events.pop()
			if !ok {
				break
			}
			if accept(e) {
				return e, true
			}
		}

		select {
		case <-w.stop:
			return Event{}, false
		case <-w.wake:
		}
	}
}

// idle keeps a finished program's computer on until it is shut down.
func (w *worker) idle() {
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
			w.c.events.clear()
		}
	}
}

// fault turns the computer off after a budget fault.
func (w *worker) fault(err error) {
	c := w.c
	log.Errorf("computer %d forced off: %s", c.id, err)
	c.opts.Host.Fault(c, err)
	c.finish(w, false)
}

// printError shows a message on the terminal, in red where possible.
func (w *worker) printError(msg string) {
	t := w.c.term
	fg, _ := t.Colours()
	if t.IsColour() {
		t.SetTextColour(int(terminal.Red))
	}
	t.WriteWrapped(msg + "\n")
	t.SetTextColour(int(fg))
}
