package computer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// ErrExists is returned when adding a computer whose ID is taken.
var ErrExists = errors.New("computer already exists")

// Scheduler holds the computers of one host and ticks them.
type Scheduler struct {
	defaults Options

	mu        sync.RWMutex
	computers map[int]*Computer
}

// NewScheduler makes a scheduler creating computers from defaults.
func NewScheduler(defaults Options) *Scheduler {
	return &Scheduler{
		defaults:  defaults.withDefaults(),
		computers: map[int]*Computer{},
	}
}

// Add creates a computer with the scheduler's options, changed by adjust.
// The computer starts switched off.
func (s *Scheduler) Add(id int, program Program, adjust ...func(o *Options)) (*Computer, error) {
	opts := s.defaults
	for _, f := range adjust {
		f(&opts)
	}
	c, err := New(id, program, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.computers[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrExists, id)
	}
	s.computers[id] = c
	log.Debugf("added computer %d", id)
	return c, nil
}

// Remove shuts a computer down, detaches its peripherals and forgets it.
func (s *Scheduler) Remove(id int) bool {
	c := s.take(id)
	if c == nil {
		return false
	}
	c.Shutdown()
	c.bus.DetachAll()
	log.Debugf("removed computer %d", id)
	return true
}

func (s *Scheduler) take(id int) *Computer {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.computers[id]
	delete(s.computers, id)
	return c
}

// Get returns the computer with the given ID, or nil.
func (s *Scheduler) Get(id int) *Computer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.computers[id]
}

// List returns every computer, ordered by ID.
func (s *Scheduler) List() []*Computer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(s.computers))
	cs := make([]*Computer, len(ids))
	for i, id := range ids {
		cs[i] = s.computers[id]
	}
	return cs
}

// Tick ticks every computer once. Abandoned computers are removed at once,
// and stopped in the background so the tick never waits on a program.
func (s *Scheduler) Tick() {
	for _, c := range s.List() {
		if !c.Tick() {
			continue
		}
		if s.take(c.id) != c {
			continue
		}

		log.Warningf("computer %d abandoned", c.id)
		go func() {
			c.Shutdown()
			c.bus.DetachAll()
			c.opts.Host.Abandoned(c)
		}()
	}
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick()
		}
	}
}

// Interval is the time between ticks at the default tick rate.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(float64(time.Second) / s.defaults.TickRate)
}

// Close shuts every computer down.
func (s *Scheduler) Close() {
	var wg sync.WaitGroup
	for _, c := range s.List() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Remove(c.id)
		}()
	}
	wg.Wait()
}
