package vm

import (
	"time"
)

// Host is the world an instance lives in. The scheduler or simulation layer
// implements it; generated code reaches it only through instance callbacks
// and built-in functions.
type Host interface {
	// RemoveSubscriptions cancels every asynchronous subscription (timers,
	// listens, sensors) registered on behalf of the instance.
	RemoveSubscriptions(in *Instance)

	// SetEventMask tells the host which events the current state handles.
	SetEventMask(in *Instance, mask EventMask)

	// SetTimer starts, restarts or (with a zero interval) stops the timer.
	SetTimer(in *Instance, interval time.Duration)

	// Listen subscribes the instance to chat and returns a handle.
	Listen(in *Instance, channel int32, name, key, msg string) int32

	// ListenRemove cancels a listen subscription.
	ListenRemove(in *Instance, handle int32)

	// Say broadcasts a chat message on a channel.
	Say(in *Instance, channel int32, msg string)

	// Console receives diagnostic output.
	Console(in *Instance, line string)
}

// NopHost ignores every request except console output, which it logs.
type NopHost struct{}

var _ Host = NopHost{}

func (NopHost) RemoveSubscriptions(*Instance) {}
func (NopHost) SetEventMask(*Instance, EventMask) {}
func (NopHost) SetTimer(*Instance, time.Duration) {}
func (NopHost) Listen(*Instance, int32, string, string, string) int32 { return 0 }
func (NopHost) ListenRemove(*Instance, int32) {}
func (NopHost) Say(in *Instance, channel int32, msg string) {
	log.Infof("%s [%d]: %s", in.Name(), channel, msg)
}
func (NopHost) Console(in *Instance, line string) {
	log.Notice(line)
}
