// Package sched is a reference host for script instances: a round-robin
// scheduler that gives every instance one slot per tick, and a World that
// implements timers, chat listens and console output.
package sched

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tliron/commonlog"

	"github.com/chazu/xmr/vm"
)

var log = commonlog.GetLogger("xmr.sched")

// DefaultPoll is how long Run waits for outside events when nothing is
// runnable and nothing is due.
const DefaultPoll = 50 * time.Millisecond

// Scheduler runs instances cooperatively on the calling goroutine. Tick and
// Run must not be called concurrently; Spawn, Touch, Chat and Post may be
// called from any goroutine.
type Scheduler struct {
	World *World
	Poll  time.Duration

	clock clock.Clock
	kick  chan struct{}

	mu        sync.Mutex
	instances []*vm.Instance
	byKey     map[string]*vm.Instance
	cursor    int
}

// New creates a scheduler on clk (the wall clock if nil) whose world writes
// to out.
func New(clk clock.Clock, out io.Writer) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		World: NewWorld(out),
		Poll:  DefaultPoll,
		clock: clk,
		kick:  make(chan struct{}, 1),
		byKey: make(map[string]*vm.Instance),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// Spawn starts an instance of script in this scheduler's world. Host and
// Clock in cfg are overridden.
func (s *Scheduler) Spawn(script *vm.Script, cfg vm.Config) (*vm.Instance, error) {
	cfg.Host = s.World
	cfg.Clock = s.clock
	in, err := vm.NewInstance(script, cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, dup := s.byKey[in.Key()]; dup {
		s.mu.Unlock()
		s.World.forget(in)
		return nil, fmt.Errorf("duplicate instance key %s", in.Key())
	}
	s.instances = append(s.instances, in)
	s.byKey[in.Key()] = in
	s.mu.Unlock()

	log.Infof("%s: started (%s)", in.Name(), in.Key())
	s.wake()
	return in, nil
}

// Instances returns the live instances in scheduling order.
func (s *Scheduler) Instances() []*vm.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*vm.Instance(nil), s.instances...)
}

// Lookup returns the instance with the given key, or nil.
func (s *Scheduler) Lookup(key string) *vm.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[key]
}

// Post queues an event for the instance with the given key.
func (s *Scheduler) Post(key string, ev vm.Event) error {
	in := s.Lookup(key)
	if in == nil {
		return fmt.Errorf("no instance %s", key)
	}
	if err := in.PostEvent(ev); err != nil {
		return fmt.Errorf("%s: %w", in.Name(), err)
	}
	s.wake()
	return nil
}

// Touch delivers touch_start to an instance on behalf of an avatar.
func (s *Scheduler) Touch(key string, toucher *vm.DetectParams) error {
	return s.Post(key, vm.Event{
		Code:   vm.EvTouchStart,
		Args:   []vm.Value{int32(1)},
		Detect: []*vm.DetectParams{toucher},
	})
}

// Chat says msg on channel as an avatar.
func (s *Scheduler) Chat(channel int32, name, key, msg string) {
	s.World.Chat(channel, name, key, msg)
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// runnable reports whether stepping in at now would do anything.
func runnable(in *vm.Instance, now time.Time) bool {
	switch in.State() {
	case vm.Idle:
		return in.QueueLen() > 0
	case vm.Sleeping:
		return !now.Before(in.Wake())
	case vm.Dying:
		return false
	}
	return true
}

// Tick fires due timers, then steps every runnable instance once, starting
// one place further along the run list than the previous tick. Dead
// instances are removed. It returns the number of instances stepped.
func (s *Scheduler) Tick() int {
	now := s.clock.Now()
	s.World.fireTimers(now)

	s.mu.Lock()
	order := make([]*vm.Instance, 0, len(s.instances))
	if n := len(s.instances); n > 0 {
		start := s.cursor % n
		order = append(order, s.instances[start:]...)
		order = append(order, s.instances[:start]...)
		s.cursor = start + 1
	}
	s.mu.Unlock()

	stepped := 0
	var dead []*vm.Instance
	for _, in := range order {
		if runnable(in, now) {
			in.Step(now)
			stepped++
		}
		if in.State() == vm.Dying {
			dead = append(dead, in)
		}
	}
	for _, in := range dead {
		s.remove(in)
	}
	return stepped
}

func (s *Scheduler) remove(in *vm.Instance) {
	s.mu.Lock()
	for i, x := range s.instances {
		if x == in {
			s.instances = append(s.instances[:i], s.instances[i+1:]...)
			break
		}
	}
	delete(s.byKey, in.Key())
	s.mu.Unlock()
	s.World.forget(in)
	log.Infof("%s: removed", in.Name())
}

// Busy reports whether any instance could run right now.
func (s *Scheduler) Busy() bool {
	now := s.clock.Now()
	for _, in := range s.Instances() {
		if runnable(in, now) {
			return true
		}
	}
	return false
}

// NextWake returns the earliest time a sleeping instance wakes or a timer
// fires.
func (s *Scheduler) NextWake() (time.Time, bool) {
	next, found := s.World.nextTimer()
	for _, in := range s.Instances() {
		if in.State() != vm.Sleeping {
			continue
		}
		if w := in.Wake(); !found || w.Before(next) {
			next, found = w, true
		}
	}
	return next, found
}

// Settle ticks until no instance is runnable without time passing, or
// until maxTicks ticks have run. It reports whether the scheduler settled.
func (s *Scheduler) Settle(maxTicks int) bool {
	for i := 0; i < maxTicks; i++ {
		if s.Tick() == 0 && !s.Busy() {
			return true
		}
	}
	return !s.Busy()
}

// Run schedules instances until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	return s.run(ctx, false)
}

// RunUntilQuiet schedules instances until nothing is runnable, no instance
// is sleeping and no timer is set, or until ctx is done.
func (s *Scheduler) RunUntilQuiet(ctx context.Context) error {
	return s.run(ctx, true)
}

func (s *Scheduler) run(ctx context.Context, untilQuiet bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Tick() > 0 || s.Busy() {
			continue
		}

		wait := s.Poll
		if next, ok := s.NextWake(); ok {
			wait = next.Sub(s.clock.Now())
		} else if untilQuiet {
			return nil
		}
		if wait <= 0 {
			continue
		}

		t := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.kick:
			t.Stop()
		case <-t.C:
		}
	}
}
