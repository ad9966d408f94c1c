package vm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("xmr.vm")

// RunState is the scheduling state of an instance.
type RunState int

const (
	Idle      RunState = iota // waiting for an event
	Running                   // a handler is in progress
	Sleeping                  // suspended at a CHECKRUN until the wake time
	Resetting                 // re-initializing after llResetScript
	Dying                     // dead; the scheduler should drop it
)

var runStateNames = [...]string{"Idle", "Running", "Sleeping", "Resetting", "Dying"}

func (s RunState) String() string {
	if s >= 0 && int(s) < len(runStateNames) {
		return runStateNames[s]
	}
	return fmt.Sprintf("RunState(%d)", int(s))
}

// DefaultQuantum is the number of instructions a handler runs before a
// CHECKRUN yields the slot.
const DefaultQuantum = 10000

// MaxQueuedEvents bounds the per-instance event queue.
const MaxQueuedEvents = 64

// ErrQueueFull is returned by PostEvent when the queue is at capacity.
var ErrQueueFull = errors.New("script event queue is full")

// Config describes a new instance.
type Config struct {
	Name    string      // descriptive name, prefixed to console output
	Key     string      // unique instance key; a random UUID if empty
	Host    Host        // NopHost if nil
	Clock   clock.Clock // wall clock if nil
	Quantum int         // DefaultQuantum if zero
}

// Instance is one running copy of a script: a cooperative microthread that
// runs one event handler at a time and only ever suspends at a CHECKRUN.
//
// Step and the callbacks generated code makes (Sleep, Die, ApiReset,
// StateChange, GetDetectParams, ConsoleWrite) must be called from a single
// goroutine. PostEvent may be called from any goroutine.
type Instance struct {
	script  *Script
	name    string
	key     string
	host    Host
	clock   clock.Clock
	quantum int

	mu    sync.Mutex
	queue []Event
	dead  bool

	state          RunState
	stateCode      int32
	eventCode      EventCode
	globals        []Value
	detect         []*DetectParams
	thread         *thread
	wake           time.Time
	suspendPending bool
	dieFlag        bool
}

// NewInstance creates an instance in the default state, runs the global
// initializer and queues state_entry.
func NewInstance(s *Script, cfg Config) (*Instance, error) {
	in := &Instance{
		script:  s,
		name:    cfg.Name,
		key:     cfg.Key,
		host:    cfg.Host,
		clock:   cfg.Clock,
		quantum: cfg.Quantum,
	}
	if in.key == "" {
		in.key = uuid.NewString()
	}
	if in.name == "" {
		in.name = in.key
	}
	if in.host == nil {
		in.host = NopHost{}
	}
	if in.clock == nil {
		in.clock = clock.New()
	}
	if in.quantum <= 0 {
		in.quantum = DefaultQuantum
	}
	if err := in.initialize(); err != nil {
		return nil, err
	}
	return in, nil
}

// initialize puts the instance in its start state: fresh globals, default
// state, empty queue, state_entry pending.
func (in *Instance) initialize() error {
	in.stateCode = 0
	in.eventCode = EvStateEntry
	in.thread = nil
	in.detect = nil
	in.wake = time.Time{}
	in.suspendPending = false
	in.dieFlag = false
	in.globals = in.script.newGlobals()

	if in.script.init != nil {
		if _, err := in.script.init.Invoke(in); err != nil {
			return fmt.Errorf("%s: global initializer: %w", in.name, err)
		}
	}

	in.mu.Lock()
	in.queue = in.queue[:0]
	in.mu.Unlock()

	in.host.RemoveSubscriptions(in)
	in.host.SetEventMask(in, in.script.EventMask(0))
	in.enqueue(Event{Code: EvStateEntry})
	in.state = Idle
	return nil
}

// Name returns the descriptive name.
func (in *Instance) Name() string { return in.name }

// Key returns the instance key.
func (in *Instance) Key() string { return in.key }

// Script returns the program the instance runs.
func (in *Instance) Script() *Script { return in.script }

// State returns the scheduling state.
func (in *Instance) State() RunState { return in.state }

// StateCode returns the current script state index.
func (in *Instance) StateCode() int32 { return in.stateCode }

// Wake returns the time a sleeping instance resumes.
func (in *Instance) Wake() time.Time { return in.wake }

// Global returns global slot i, or nil if there is no such slot.
func (in *Instance) Global(i int) Value {
	if i < 0 || i >= len(in.globals) {
		return nil
	}
	return in.globals[i]
}

// Clock returns the instance's clock.
func (in *Instance) Clock() clock.Clock { return in.clock }

// Host returns the instance's host.
func (in *Instance) Host() Host { return in.host }

// Dead reports whether the instance has died.
func (in *Instance) Dead() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dead
}

// QueueLen returns the number of pending events.
func (in *Instance) QueueLen() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// PostEvent queues an event. Events for a dead instance are rejected.
func (in *Instance) PostEvent(ev Event) error {
	info := ev.Code.Info()
	if info.Name == "unknown" {
		return fmt.Errorf("unknown event code %d", int(ev.Code))
	}
	if len(ev.Args) != len(info.Params) {
		return fmt.Errorf("event %s takes %d arguments, got %d", info.Name, len(info.Params), len(ev.Args))
	}
	if len(ev.Detect) > MaxDetect {
		ev.Detect = ev.Detect[:MaxDetect]
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.dead {
		return ErrInstanceDead
	}
	if len(in.queue) >= MaxQueuedEvents {
		return ErrQueueFull
	}
	in.queue = append(in.queue, ev)
	return nil
}

func (in *Instance) enqueue(ev Event) {
	in.mu.Lock()
	in.queue = append(in.queue, ev)
	in.mu.Unlock()
}

func (in *Instance) dequeue() (Event, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return Event{}, false
	}
	ev := in.queue[0]
	in.queue = in.queue[1:]
	return ev, true
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// Step gives the instance one slot of execution at time now and returns its
// state afterwards. An idle instance dequeues and starts the next event; a
// sleeping one resumes once now reaches its wake time. Execution stops at
// handler completion, at a CHECKRUN that suspends or yields, or when an
// error escapes the handler. Faults are logged and end the handler; unwind
// signals end it too and never escape Step.
func (in *Instance) Step(now time.Time) RunState {
	switch in.state {
	case Dying:
		return Dying
	case Resetting:
		in.reset()
		return in.state
	case Sleeping:
		if now.Before(in.wake) {
			return Sleeping
		}
		in.state = Running
	case Idle:
		if !in.startNext() {
			return Idle
		}
	}
	in.slice()
	return in.state
}

// startNext starts the handler for the next queued event that the current
// state handles. Events without a handler are discarded.
func (in *Instance) startNext() bool {
	for {
		ev, ok := in.dequeue()
		if !ok {
			return false
		}
		rt := in.script.Handler(in.stateCode, ev.Code)
		if rt == nil {
			continue
		}
		t, err := newThread(in, in.globals, rt, ev.Args)
		if err != nil {
			log.Errorf("%s: cannot start %s: %v", in.name, ev.Code, err)
			continue
		}
		in.eventCode = ev.Code
		in.detect = ev.Detect
		in.thread = t
		in.state = Running
		return true
	}
}

func (in *Instance) slice() {
	st, err := in.runGuarded()
	if err != nil {
		in.endHandler()
		in.handlerError(err)
		return
	}
	switch st {
	case statusSuspended:
		in.suspendPending = false
		in.state = Sleeping
	case statusYielded:
		in.state = Running
	case statusDone:
		in.endHandler()
		if in.dieFlag {
			in.kill()
			return
		}
		in.state = Idle
	}
}

// runGuarded is the dispatch boundary: nothing raised by generated code or
// built-ins escapes it as a panic.
func (in *Instance) runGuarded() (st runStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			st, err = statusDone, &ScriptRuntimeFault{Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return in.thread.run(in.quantum)
}

func (in *Instance) endHandler() {
	in.thread = nil
	in.detect = nil
}

// handlerError ends a handler that err escaped. After Die the instance is
// removed whatever the error is.
func (in *Instance) handlerError(err error) {
	if in.dieFlag {
		if !IsUnwind(err) {
			log.Errorf("%s: fault while dying: %v", in.name, err)
		}
		in.kill()
		return
	}
	var u *UnwindSignal
	if errors.As(err, &u) {
		in.state = Resetting
		in.reset()
		return
	}
	log.Errorf("%s: %s handler in state %s: %v", in.name, in.eventCode, in.script.StateName(in.stateCode), err)
	in.state = Idle
}

func (in *Instance) kill() {
	in.state = Dying
	in.thread = nil
	in.mu.Lock()
	in.dead = true
	in.queue = nil
	in.mu.Unlock()
	in.host.RemoveSubscriptions(in)
	log.Infof("%s: died", in.name)
}

func (in *Instance) reset() {
	if err := in.initialize(); err != nil {
		log.Errorf("%s: reset failed: %v", in.name, err)
		in.kill()
		return
	}
	log.Debugf("%s: reset", in.name)
}

// Reset asks for the instance to be reset before its next step. It is the
// host-side counterpart of llResetScript.
func (in *Instance) Reset() {
	if in.state != Dying {
		in.thread = nil
		in.state = Resetting
	}
}

// ---------------------------------------------------------------------------
// Callbacks from generated code
// ---------------------------------------------------------------------------

// Sleep arranges for the running handler to be suspended at its next
// CHECKRUN until ms milliseconds from now. The wake time is always strictly
// in the future.
func (in *Instance) Sleep(ms int32) {
	now := in.clock.Now()
	d := time.Duration(ms) * time.Millisecond
	if d <= 0 {
		d = time.Nanosecond
	}
	in.wake = now.Add(d)
	in.suspendPending = true
}

// Die marks the instance dead and returns the unwind signal generated code
// must propagate. Finally blocks still run on the way out.
func (in *Instance) Die() error {
	in.dieFlag = true
	return &UnwindSignal{Die: true}
}

// ApiReset returns the unwind signal for llResetScript. The instance is
// re-initialized at the dispatch boundary and keeps running.
func (in *Instance) ApiReset() error {
	return &UnwindSignal{}
}

// StateChange is called by generated code after it stores the new state
// code. Subscriptions made under the old state are cancelled, events queued
// under it are discarded, the new state's events are registered and its
// state_entry is queued.
func (in *Instance) StateChange() {
	if in.stateCode < 0 || int(in.stateCode) >= in.script.NumStates() {
		log.Errorf("%s: state change to invalid state %d", in.name, in.stateCode)
		in.stateCode = 0
	}
	in.host.RemoveSubscriptions(in)
	in.mu.Lock()
	in.queue = in.queue[:0]
	in.mu.Unlock()
	in.host.SetEventMask(in, in.script.EventMask(in.stateCode))
	in.enqueue(Event{Code: EvStateEntry})
}

// GetDetectParams returns the n-th detected entity of the current event, or
// nil if there is none.
func (in *Instance) GetDetectParams(n int32) *DetectParams {
	if n < 0 || int(n) >= len(in.detect) {
		return nil
	}
	return in.detect[n]
}

// DetectCount returns the size of the current detect batch.
func (in *Instance) DetectCount() int { return len(in.detect) }

// ConsoleWrite sends diagnostic output to the host console.
func (in *Instance) ConsoleWrite(s string) {
	in.host.Console(in, in.name+": "+s)
}
