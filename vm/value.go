package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value representation
// ---------------------------------------------------------------------------

// Value is a script value. The dynamic type is one of int32, float64,
// string, Vector, List, *DetectParams, *Instance, or nil.
type Value = any

// Vector is a three-component float vector.
type Vector struct {
	X, Y, Z float64
}

func (v Vector) String() string {
	return fmt.Sprintf("<%.5f, %.5f, %.5f>", v.X, v.Y, v.Z)
}

// Add returns v+w.
func (v Vector) Add(w Vector) Vector { return Vector{v.X + w.X, v.Y + w.Y, v.Z + w.Z} }

// Sub returns v-w.
func (v Vector) Sub(w Vector) Vector { return Vector{v.X - w.X, v.Y - w.Y, v.Z - w.Z} }

// Scale returns v*f.
func (v Vector) Scale(f float64) Vector { return Vector{v.X * f, v.Y * f, v.Z * f} }

// Dot returns the dot product of v and w.
func (v Vector) Dot(w Vector) float64 { return v.X*w.X + v.Y*w.Y + v.Z*w.Z }

// Mag returns the length of v.
func (v Vector) Mag() float64 { return math.Sqrt(v.Dot(v)) }

// List is a heterogeneous script list. Lists are values: operations that
// change a list return a new one.
type List []Value

// Truthy reports whether v counts as true in a condition.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case int32:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case Vector:
		return x != Vector{}
	case List:
		return len(x) > 0
	}
	return true
}

// FormatValue renders v the way scripts see it when cast to string.
func FormatValue(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'f', 6, 64)
	case string:
		return x
	case Vector:
		return x.String()
	case List:
		var sb strings.Builder
		for _, e := range x {
			sb.WriteString(FormatValue(e))
		}
		return sb.String()
	case *DetectParams:
		return x.Key
	case *Instance:
		return x.Name()
	}
	return fmt.Sprintf("%v", v)
}

// Convert casts v to the type named by tag.
func Convert(v Value, tag string) (Value, error) {
	switch tag {
	case TagInt:
		switch x := v.(type) {
		case int32:
			return x, nil
		case float64:
			if math.IsNaN(x) || x > math.MaxInt32 || x < math.MinInt32 {
				return int32(math.MinInt32), nil
			}
			return int32(x), nil
		case string:
			return parseIntPrefix(x), nil
		}
	case TagFloat:
		switch x := v.(type) {
		case int32:
			return float64(x), nil
		case float64:
			return x, nil
		case string:
			return parseFloatPrefix(x), nil
		}
	case TagString:
		return FormatValue(v), nil
	case TagList:
		if l, ok := v.(List); ok {
			return l, nil
		}
		return List{v}, nil
	case TagVector:
		switch x := v.(type) {
		case Vector:
			return x, nil
		case string:
			return parseVector(x), nil
		}
	case TagObject:
		return v, nil
	}
	return nil, fmt.Errorf("cannot convert %s to %s", TypeName(v), tag)
}

// TypeName returns the type tag describing v's dynamic type.
func TypeName(v Value) string {
	switch v.(type) {
	case nil:
		return TagVoid
	case int32:
		return TagInt
	case float64:
		return TagFloat
	case string:
		return TagString
	case Vector:
		return TagVector
	case List:
		return TagList
	case *DetectParams:
		return TagDetect
	case *Instance:
		return TagInstance
	}
	return fmt.Sprintf("%T", v)
}

func parseIntPrefix(s string) int32 {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, _ := strconv.ParseUint(hexPrefix(s[2:]), 16, 32)
		return int32(n)
	}
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return int32(n)
}

func hexPrefix(s string) string {
	end := 0
	for end < len(s) && strings.IndexByte("0123456789abcdefABCDEF", s[end]) >= 0 {
		end++
	}
	if end == 0 {
		return "0"
	}
	return s[:end]
}

func parseFloatPrefix(s string) float64 {
	s = strings.TrimSpace(s)
	for end := len(s); end > 0; end-- {
		if f, err := strconv.ParseFloat(s[:end], 64); err == nil {
			return f
		}
	}
	return 0
}

func parseVector(s string) Vector {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
		return Vector{}
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != 3 {
		return Vector{}
	}
	return Vector{parseFloatPrefix(parts[0]), parseFloatPrefix(parts[1]), parseFloatPrefix(parts[2])}
}
