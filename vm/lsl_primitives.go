package vm

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Built-in script library
// ---------------------------------------------------------------------------

// NullKey is the key scripts see for "no entity".
var NullKey = uuid.Nil.String()

// sleepMillis converts an llSleep argument to milliseconds, saturating at
// the int32 range. NaN and negative values sleep for no time.
func sleepMillis(sec float64) int32 {
	ms := sec * 1000
	switch {
	case math.IsNaN(ms) || ms <= 0:
		return 0
	case ms >= math.MaxInt32:
		return math.MaxInt32
	}
	return int32(ms)
}

// lslFn declares one script-visible built-in.
type lslFn struct {
	owner  string
	name   string
	params []string
	result string
	fn     ExternFunc
}

func addLSLPrimitives(env *Environment) {
	for _, p := range lslTable() {
		MustAdd(env.AddExtern(&Extern{
			Owner:      p.owner,
			Name:       p.name,
			Params:     p.params,
			Result:     p.result,
			ScriptName: p.name,
			Fn:         p.fn,
		}))
	}
}

func tags(t ...string) []string { return t }

func instFn(f func(inst *Instance, args []Value) (Value, error)) ExternFunc {
	return func(inst *Instance, args []Value) (Value, error) {
		if err := needInst(inst); err != nil {
			return nil, err
		}
		return f(inst, args)
	}
}

func detectFn(get func(dp *DetectParams) Value, absent Value) ExternFunc {
	return instFn(func(inst *Instance, args []Value) (Value, error) {
		dp := inst.GetDetectParams(args[0].(int32))
		if dp == nil {
			return absent, nil
		}
		return get(dp), nil
	})
}

func sayFn(channel func(args []Value) int32) ExternFunc {
	return instFn(func(inst *Instance, args []Value) (Value, error) {
		inst.host.Say(inst, channel(args), args[len(args)-1].(string))
		return nil, nil
	})
}

func lslTable() []lslFn {
	argChannel := func(args []Value) int32 { return args[0].(int32) }

	return []lslFn{
		// Chat and console
		{TagLSL, "llSay", tags(TagInt, TagString), TagVoid, sayFn(argChannel)},
		{TagLSL, "llWhisper", tags(TagInt, TagString), TagVoid, sayFn(argChannel)},
		{TagLSL, "llShout", tags(TagInt, TagString), TagVoid, sayFn(argChannel)},
		{TagLSL, "llRegionSay", tags(TagInt, TagString), TagVoid, sayFn(argChannel)},
		{TagLSL, "llOwnerSay", tags(TagString), TagVoid, instFn(func(inst *Instance, args []Value) (Value, error) {
			inst.ConsoleWrite(args[0].(string))
			return nil, nil
		})},

		// Flow control
		{TagLSL, "llSleep", tags(TagFloat), TagVoid, instFn(func(inst *Instance, args []Value) (Value, error) {
			inst.Sleep(sleepMillis(args[0].(float64)))
			return nil, nil
		})},
		{TagLSL, "llDie", nil, TagVoid, instFn(func(inst *Instance, args []Value) (Value, error) {
			return nil, inst.Die()
		})},
		{TagLSL, "llResetScript", nil, TagVoid, instFn(func(inst *Instance, args []Value) (Value, error) {
			return nil, inst.ApiReset()
		})},

		// Subscriptions
		{TagLSL, "llSetTimerEvent", tags(TagFloat), TagVoid, instFn(func(inst *Instance, args []Value) (Value, error) {
			sec := args[0].(float64)
			if sec < 0 {
				sec = 0
			}
			inst.host.SetTimer(inst, time.Duration(sec*float64(time.Second)))
			return nil, nil
		})},
		{TagLSL, "llListen", tags(TagInt, TagString, TagString, TagString), TagInt, instFn(func(inst *Instance, args []Value) (Value, error) {
			return inst.host.Listen(inst, args[0].(int32), args[1].(string), args[2].(string), args[3].(string)), nil
		})},
		{TagLSL, "llListenRemove", tags(TagInt), TagVoid, instFn(func(inst *Instance, args []Value) (Value, error) {
			inst.host.ListenRemove(inst, args[0].(int32))
			return nil, nil
		})},

		// Detected entities
		{TagLSL, "llDetectedKey", tags(TagInt), TagString, detectFn(func(dp *DetectParams) Value { return dp.Key }, NullKey)},
		{TagLSL, "llDetectedName", tags(TagInt), TagString, detectFn(func(dp *DetectParams) Value { return dp.Name }, "")},
		{TagLSL, "llDetectedOwner", tags(TagInt), TagString, detectFn(func(dp *DetectParams) Value { return dp.Owner }, NullKey)},
		{TagLSL, "llDetectedGroup", tags(TagInt), TagString, detectFn(func(dp *DetectParams) Value { return dp.Group }, NullKey)},
		{TagLSL, "llDetectedType", tags(TagInt), TagInt, detectFn(func(dp *DetectParams) Value { return dp.Type }, int32(0))},
		{TagLSL, "llDetectedPos", tags(TagInt), TagVector, detectFn(func(dp *DetectParams) Value { return dp.Position }, Vector{})},
		{TagLSL, "llDetectedVel", tags(TagInt), TagVector, detectFn(func(dp *DetectParams) Value { return dp.Velocity }, Vector{})},
		{TagLSL, "llDetectedLinkNumber", tags(TagInt), TagInt, detectFn(func(dp *DetectParams) Value { return dp.LinkNum }, int32(0))},

		// Identity and time
		{TagLSL, "llGetKey", nil, TagString, instFn(func(inst *Instance, args []Value) (Value, error) {
			return inst.key, nil
		})},
		{TagLSL, "llGetScriptName", nil, TagString, instFn(func(inst *Instance, args []Value) (Value, error) {
			return inst.name, nil
		})},
		{TagLSL, "llGetUnixTime", nil, TagInt, instFn(func(inst *Instance, args []Value) (Value, error) {
			return int32(inst.clock.Now().Unix()), nil
		})},

		// Strings
		{TagLSL, "llStringLength", tags(TagString), TagInt, func(_ *Instance, args []Value) (Value, error) {
			return int32(utf8.RuneCountInString(args[0].(string))), nil
		}},
		{TagLSL, "llGetSubString", tags(TagString, TagInt, TagInt), TagString, func(_ *Instance, args []Value) (Value, error) {
			return subString(args[0].(string), args[1].(int32), args[2].(int32)), nil
		}},
		{TagLSL, "llSubStringIndex", tags(TagString, TagString), TagInt, func(_ *Instance, args []Value) (Value, error) {
			s, pat := args[0].(string), args[1].(string)
			i := strings.Index(s, pat)
			if i < 0 {
				return int32(-1), nil
			}
			return int32(utf8.RuneCountInString(s[:i])), nil
		}},
		{TagLSL, "llToUpper", tags(TagString), TagString, func(_ *Instance, args []Value) (Value, error) {
			return strings.ToUpper(args[0].(string)), nil
		}},
		{TagLSL, "llToLower", tags(TagString), TagString, func(_ *Instance, args []Value) (Value, error) {
			return strings.ToLower(args[0].(string)), nil
		}},
		{TagLSL, "llStringTrim", tags(TagString, TagInt), TagString, func(_ *Instance, args []Value) (Value, error) {
			s := args[0].(string)
			switch args[1].(int32) {
			case 1:
				return strings.TrimLeft(s, " \t\n\r"), nil
			case 2:
				return strings.TrimRight(s, " \t\n\r"), nil
			case 3:
				return strings.TrimSpace(s), nil
			}
			return s, nil
		}},

		// Lists
		{TagLSL, "llGetListLength", tags(TagList), TagInt, func(_ *Instance, args []Value) (Value, error) {
			return int32(len(args[0].(List))), nil
		}},
		{TagLSL, "llList2String", tags(TagList, TagInt), TagString, func(_ *Instance, args []Value) (Value, error) {
			v, ok := listIndex(args[0].(List), args[1].(int32))
			if !ok {
				return "", nil
			}
			return FormatValue(v), nil
		}},
		{TagLSL, "llList2Integer", tags(TagList, TagInt), TagInt, func(_ *Instance, args []Value) (Value, error) {
			v, ok := listIndex(args[0].(List), args[1].(int32))
			if !ok {
				return int32(0), nil
			}
			n, err := Convert(v, TagInt)
			if err != nil {
				return int32(0), nil
			}
			return n, nil
		}},
		{TagLSL, "llList2Float", tags(TagList, TagInt), TagFloat, func(_ *Instance, args []Value) (Value, error) {
			v, ok := listIndex(args[0].(List), args[1].(int32))
			if !ok {
				return float64(0), nil
			}
			f, err := Convert(v, TagFloat)
			if err != nil {
				return float64(0), nil
			}
			return f, nil
		}},
		{TagLSL, "llDumpList2String", tags(TagList, TagString), TagString, func(_ *Instance, args []Value) (Value, error) {
			l := args[0].(List)
			parts := make([]string, len(l))
			for i, v := range l {
				parts[i] = FormatValue(v)
			}
			return strings.Join(parts, args[1].(string)), nil
		}},
		{TagLSL, "llList2CSV", tags(TagList), TagString, func(_ *Instance, args []Value) (Value, error) {
			l := args[0].(List)
			parts := make([]string, len(l))
			for i, v := range l {
				parts[i] = FormatValue(v)
			}
			return strings.Join(parts, ", "), nil
		}},

		// Math
		{TagMath, "llAbs", tags(TagInt), TagInt, func(_ *Instance, args []Value) (Value, error) {
			n := args[0].(int32)
			if n < 0 && n != math.MinInt32 {
				n = -n
			}
			return n, nil
		}},
		{TagMath, "llFabs", tags(TagFloat), TagFloat, floatFn(math.Abs)},
		{TagMath, "llSqrt", tags(TagFloat), TagFloat, func(_ *Instance, args []Value) (Value, error) {
			f := args[0].(float64)
			if f < 0 {
				return nil, faultf("Math Error: square root of negative number")
			}
			return math.Sqrt(f), nil
		}},
		{TagMath, "llPow", tags(TagFloat, TagFloat), TagFloat, func(_ *Instance, args []Value) (Value, error) {
			return math.Pow(args[0].(float64), args[1].(float64)), nil
		}},
		{TagMath, "llFloor", tags(TagFloat), TagInt, roundFn(math.Floor)},
		{TagMath, "llCeil", tags(TagFloat), TagInt, roundFn(math.Ceil)},
		{TagMath, "llRound", tags(TagFloat), TagInt, roundFn(func(f float64) float64 { return math.Floor(f + 0.5) })},
		{TagMath, "llVecMag", tags(TagVector), TagFloat, func(_ *Instance, args []Value) (Value, error) {
			return args[0].(Vector).Mag(), nil
		}},
		{TagMath, "llVecNorm", tags(TagVector), TagVector, func(_ *Instance, args []Value) (Value, error) {
			v := args[0].(Vector)
			m := v.Mag()
			if m == 0 {
				return Vector{}, nil
			}
			return v.Scale(1 / m), nil
		}},
		{TagMath, "llVecDist", tags(TagVector, TagVector), TagFloat, func(_ *Instance, args []Value) (Value, error) {
			return args[0].(Vector).Sub(args[1].(Vector)).Mag(), nil
		}},
	}
}

func floatFn(f func(float64) float64) ExternFunc {
	return func(_ *Instance, args []Value) (Value, error) {
		return f(args[0].(float64)), nil
	}
}

func roundFn(f func(float64) float64) ExternFunc {
	return func(_ *Instance, args []Value) (Value, error) {
		v, _ := Convert(f(args[0].(float64)), TagInt)
		return v, nil
	}
}

// listIndex resolves a script list index; negative indices count from the end.
func listIndex(l List, i int32) (Value, bool) {
	n := int32(len(l))
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return nil, false
	}
	return l[i], true
}

// subString implements llGetSubString: inclusive indices, negative indices
// count from the end, and start > end selects everything outside the range.
func subString(s string, start, end int32) string {
	r := []rune(s)
	n := int32(len(r))
	if n == 0 {
		return ""
	}
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if start <= end {
		if start >= n || end < 0 {
			return ""
		}
		if start < 0 {
			start = 0
		}
		if end >= n {
			end = n - 1
		}
		return string(r[start : end+1])
	}
	var out []rune
	if end >= 0 {
		hi := end + 1
		if hi > n {
			hi = n
		}
		out = append(out, r[:hi]...)
	}
	if start < n {
		lo := start
		if lo < 0 {
			lo = 0
		}
		out = append(out, r[lo:]...)
	}
	return string(out)
}
