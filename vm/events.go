package vm

// EventCode identifies a script event.
type EventCode int

const (
	EvStateEntry EventCode = iota
	EvStateExit
	EvTouchStart
	EvTouch
	EvTouchEnd
	EvTimer
	EvListen
	EvOnRez
	EvChanged
	EvCollisionStart
	EvCollision
	EvCollisionEnd
	EvSensor
	EvNoSensor
	EvAttach
	EvLinkMessage
	EvDataserver
	EvRunTimePermissions

	eventCount
)

// EventInfo describes the signature of one event handler.
type EventInfo struct {
	Code   EventCode
	Name   string
	Params []string
	Detect bool // the event carries a detect-params batch
}

var eventTable = [eventCount]EventInfo{
	EvStateEntry:         {EvStateEntry, "state_entry", nil, false},
	EvStateExit:          {EvStateExit, "state_exit", nil, false},
	EvTouchStart:         {EvTouchStart, "touch_start", []string{TagInt}, true},
	EvTouch:              {EvTouch, "touch", []string{TagInt}, true},
	EvTouchEnd:           {EvTouchEnd, "touch_end", []string{TagInt}, true},
	EvTimer:              {EvTimer, "timer", nil, false},
	EvListen:             {EvListen, "listen", []string{TagInt, TagString, TagString, TagString}, false},
	EvOnRez:              {EvOnRez, "on_rez", []string{TagInt}, false},
	EvChanged:            {EvChanged, "changed", []string{TagInt}, false},
	EvCollisionStart:     {EvCollisionStart, "collision_start", []string{TagInt}, true},
	EvCollision:          {EvCollision, "collision", []string{TagInt}, true},
	EvCollisionEnd:       {EvCollisionEnd, "collision_end", []string{TagInt}, true},
	EvSensor:             {EvSensor, "sensor", []string{TagInt}, true},
	EvNoSensor:           {EvNoSensor, "no_sensor", nil, false},
	EvAttach:             {EvAttach, "attach", []string{TagString}, false},
	EvLinkMessage:        {EvLinkMessage, "link_message", []string{TagInt, TagInt, TagString, TagString}, false},
	EvDataserver:         {EvDataserver, "dataserver", []string{TagString, TagString}, false},
	EvRunTimePermissions: {EvRunTimePermissions, "run_time_permissions", []string{TagInt}, false},
}

var eventsByName = func() map[string]EventCode {
	m := make(map[string]EventCode, len(eventTable))
	for _, ev := range eventTable {
		m[ev.Name] = ev.Code
	}
	return m
}()

// LookupEvent returns the event with the given handler name.
func LookupEvent(name string) (EventInfo, bool) {
	code, ok := eventsByName[name]
	if !ok {
		return EventInfo{}, false
	}
	return eventTable[code], true
}

// Info returns the event's signature.
func (c EventCode) Info() EventInfo {
	if c < 0 || c >= eventCount {
		return EventInfo{Code: c, Name: "unknown"}
	}
	return eventTable[c]
}

func (c EventCode) String() string { return c.Info().Name }

// EventMask is a set of events a state has handlers for.
type EventMask uint64

// Has reports whether the mask includes c.
func (m EventMask) Has(c EventCode) bool {
	return m&(1<<uint(c)) != 0
}

// With returns the mask with c added.
func (m EventMask) With(c EventCode) EventMask {
	return m | 1<<uint(c)
}

// MaxDetect is the fixed capacity of a detect-params batch.
const MaxDetect = 16

// DetectParams describes one detected entity for touch, collision and
// sensor events.
type DetectParams struct {
	Key      string
	Name     string
	Owner    string
	Group    string
	Type     int32
	Position Vector
	Velocity Vector
	LinkNum  int32
}

// Event is one queued event for an instance.
type Event struct {
	Code   EventCode
	Args   []Value
	Detect []*DetectParams
}
