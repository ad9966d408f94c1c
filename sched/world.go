package sched

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/chazu/xmr/vm"
)

// World is the reference vm.Host: it keeps each instance's event mask,
// timer and chat listens, and routes chat between instances.
type World struct {
	mu     sync.Mutex
	out    io.Writer
	masks  map[*vm.Instance]vm.EventMask
	timers map[*vm.Instance]*timer

	listens  map[int32]*listen
	listenID int32
}

type timer struct {
	interval time.Duration
	next     time.Time
}

type listen struct {
	handle  int32
	owner   *vm.Instance
	channel int32
	name    string
	key     string
	msg     string
}

var _ vm.Host = (*World)(nil)

// NewWorld creates a world that writes console and chat output to out.
func NewWorld(out io.Writer) *World {
	if out == nil {
		out = io.Discard
	}
	return &World{
		out:     out,
		masks:   make(map[*vm.Instance]vm.EventMask),
		timers:  make(map[*vm.Instance]*timer),
		listens: make(map[int32]*listen),
		// Start handles at 1 so scripts never see 0
		listenID: 1,
	}
}

func (w *World) RemoveSubscriptions(in *vm.Instance) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.timers, in)
	for h, l := range w.listens {
		if l.owner == in {
			delete(w.listens, h)
		}
	}
}

func (w *World) SetEventMask(in *vm.Instance, mask vm.EventMask) {
	w.mu.Lock()
	w.masks[in] = mask
	w.mu.Unlock()
}

// Handles reports whether the instance's current state handles ev.
func (w *World) Handles(in *vm.Instance, ev vm.EventCode) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.masks[in].Has(ev)
}

func (w *World) SetTimer(in *vm.Instance, interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if interval <= 0 {
		delete(w.timers, in)
		return
	}
	w.timers[in] = &timer{interval: interval, next: in.Clock().Now().Add(interval)}
}

func (w *World) Listen(in *vm.Instance, channel int32, name, key, msg string) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.listenID
	w.listenID++
	w.listens[h] = &listen{handle: h, owner: in, channel: channel, name: name, key: key, msg: msg}
	return h
}

func (w *World) ListenRemove(in *vm.Instance, handle int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if l, ok := w.listens[handle]; ok && l.owner == in {
		delete(w.listens, handle)
	}
}

func (w *World) Say(in *vm.Instance, channel int32, msg string) {
	w.mu.Lock()
	fmt.Fprintf(w.out, "[%d] %s: %s\n", channel, in.Name(), msg)
	w.mu.Unlock()
	w.deliver(in, channel, in.Name(), in.Key(), msg)
}

func (w *World) Console(_ *vm.Instance, line string) {
	w.mu.Lock()
	fmt.Fprintln(w.out, line)
	w.mu.Unlock()
}

// Chat delivers a message from outside any script, as an avatar would say
// it.
func (w *World) Chat(channel int32, name, key, msg string) {
	w.deliver(nil, channel, name, key, msg)
}

func (l *listen) matches(channel int32, name, key, msg string) bool {
	return l.channel == channel &&
		(l.name == "" || l.name == name) &&
		(l.key == "" || l.key == vm.NullKey || l.key == key) &&
		(l.msg == "" || l.msg == msg)
}

// deliver posts a listen event to every instance with a matching listen,
// once per instance. The speaker never hears itself.
func (w *World) deliver(speaker *vm.Instance, channel int32, name, key, msg string) {
	w.mu.Lock()
	var hits []*listen
	for _, l := range w.listens {
		if l.owner != speaker && l.matches(channel, name, key, msg) && w.masks[l.owner].Has(vm.EvListen) {
			hits = append(hits, l)
		}
	}
	w.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].handle < hits[j].handle })
	seen := make(map[*vm.Instance]bool)
	for _, l := range hits {
		if seen[l.owner] {
			continue
		}
		seen[l.owner] = true
		err := l.owner.PostEvent(vm.Event{
			Code: vm.EvListen,
			Args: []vm.Value{channel, name, key, msg},
		})
		if err != nil {
			log.Warningf("%s: dropping listen event: %v", l.owner.Name(), err)
		}
	}
}

// fireTimers posts a timer event for every timer due at now and returns how
// many fired. A timer that fell behind restarts from now.
func (w *World) fireTimers(now time.Time) int {
	w.mu.Lock()
	var due []*vm.Instance
	for in, t := range w.timers {
		if now.Before(t.next) {
			continue
		}
		t.next = t.next.Add(t.interval)
		if !t.next.After(now) {
			t.next = now.Add(t.interval)
		}
		if w.masks[in].Has(vm.EvTimer) {
			due = append(due, in)
		}
	}
	w.mu.Unlock()

	for _, in := range due {
		if err := in.PostEvent(vm.Event{Code: vm.EvTimer}); err != nil {
			log.Debugf("%s: dropping timer event: %v", in.Name(), err)
		}
	}
	return len(due)
}

// nextTimer returns the earliest pending timer deadline.
func (w *World) nextTimer() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range w.timers {
		if !found || t.next.Before(next) {
			next, found = t.next, true
		}
	}
	return next, found
}

// forget drops everything the world knows about a removed instance.
func (w *World) forget(in *vm.Instance) {
	w.RemoveSubscriptions(in)
	w.mu.Lock()
	delete(w.masks, in)
	w.mu.Unlock()
}
