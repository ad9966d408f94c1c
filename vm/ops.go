package vm

import (
	"math"
	"strings"

	"github.com/chazu/xmr/pkg/bytecode"
)

func boolValue(b bool) Value {
	if b {
		return int32(1)
	}
	return int32(0)
}

// numeric widens a mixed int/float pair to float64.
func numeric(a, b Value) (float64, float64, bool) {
	var x, y float64
	switch v := a.(type) {
	case int32:
		x = float64(v)
	case float64:
		x = v
	default:
		return 0, 0, false
	}
	switch v := b.(type) {
	case int32:
		y = float64(v)
	case float64:
		y = v
	default:
		return 0, 0, false
	}
	return x, y, true
}

func binaryOp(op bytecode.Opcode, a, b Value) (Value, error) {
	if x, ok := a.(int32); ok {
		if y, ok := b.(int32); ok {
			return intOp(op, x, y)
		}
	}
	if x, y, ok := numeric(a, b); ok {
		return floatOp(op, x, y)
	}

	switch op {
	case bytecode.OpCeq:
		return boolValue(equalValues(a, b)), nil
	case bytecode.OpAdd:
		switch x := a.(type) {
		case string:
			if y, ok := b.(string); ok {
				return x + y, nil
			}
		case List:
			out := make(List, 0, len(x)+1)
			out = append(out, x...)
			if y, ok := b.(List); ok {
				return append(out, y...), nil
			}
			return append(out, b), nil
		case Vector:
			if y, ok := b.(Vector); ok {
				return x.Add(y), nil
			}
		}
		if y, ok := b.(List); ok {
			return append(List{a}, y...), nil
		}
	case bytecode.OpSub:
		if x, ok := a.(Vector); ok {
			if y, ok := b.(Vector); ok {
				return x.Sub(y), nil
			}
		}
	case bytecode.OpMul:
		if x, ok := a.(Vector); ok {
			switch y := b.(type) {
			case Vector:
				return x.Dot(y), nil
			case float64:
				return x.Scale(y), nil
			case int32:
				return x.Scale(float64(y)), nil
			}
		}
	case bytecode.OpDiv:
		if x, ok := a.(Vector); ok {
			switch y := b.(type) {
			case float64:
				return x.Scale(1 / y), nil
			case int32:
				return x.Scale(1 / float64(y)), nil
			}
		}
	case bytecode.OpCgt, bytecode.OpClt:
		if x, ok := a.(string); ok {
			if y, ok := b.(string); ok {
				c := strings.Compare(x, y)
				return boolValue(op == bytecode.OpCgt && c > 0 || op == bytecode.OpClt && c < 0), nil
			}
		}
	}
	return nil, faultf("invalid operands for %s: %s and %s", op, TypeName(a), TypeName(b))
}

// equalValues compares script values. Lists compare by length.
func equalValues(a, b Value) bool {
	switch x := a.(type) {
	case List:
		y, ok := b.(List)
		return ok && len(x) == len(y)
	case nil:
		return b == nil
	}
	if _, ok := b.(List); ok {
		return false
	}
	return a == b
}

func intOp(op bytecode.Opcode, x, y int32) (Value, error) {
	switch op {
	case bytecode.OpAdd:
		return x + y, nil
	case bytecode.OpSub:
		return x - y, nil
	case bytecode.OpMul:
		return x * y, nil
	case bytecode.OpDiv:
		if y == 0 {
			return nil, faultf("Math Error: division by zero")
		}
		if x == math.MinInt32 && y == -1 {
			return x, nil
		}
		return x / y, nil
	case bytecode.OpRem:
		if y == 0 {
			return nil, faultf("Math Error: division by zero")
		}
		if y == -1 {
			return int32(0), nil
		}
		return x % y, nil
	case bytecode.OpAnd:
		return x & y, nil
	case bytecode.OpOr:
		return x | y, nil
	case bytecode.OpXor:
		return x ^ y, nil
	case bytecode.OpShl:
		return x << (uint32(y) & 31), nil
	case bytecode.OpShr:
		return x >> (uint32(y) & 31), nil
	case bytecode.OpCeq:
		return boolValue(x == y), nil
	case bytecode.OpCgt:
		return boolValue(x > y), nil
	case bytecode.OpClt:
		return boolValue(x < y), nil
	}
	return nil, faultf("invalid operands for %s: int and int", op)
}

func floatOp(op bytecode.Opcode, x, y float64) (Value, error) {
	switch op {
	case bytecode.OpAdd:
		return x + y, nil
	case bytecode.OpSub:
		return x - y, nil
	case bytecode.OpMul:
		return x * y, nil
	case bytecode.OpDiv:
		if y == 0 {
			return nil, faultf("Math Error: division by zero")
		}
		return x / y, nil
	case bytecode.OpRem:
		if y == 0 {
			return nil, faultf("Math Error: division by zero")
		}
		return math.Mod(x, y), nil
	case bytecode.OpCeq:
		return boolValue(x == y), nil
	case bytecode.OpCgt:
		return boolValue(x > y), nil
	case bytecode.OpClt:
		return boolValue(x < y), nil
	}
	return nil, faultf("invalid operands for %s: float and float", op)
}

func unaryOp(op bytecode.Opcode, v Value) (Value, error) {
	switch op {
	case bytecode.OpNeg:
		switch x := v.(type) {
		case int32:
			return -x, nil
		case float64:
			return -x, nil
		case Vector:
			return x.Scale(-1), nil
		}
	case bytecode.OpNot:
		if x, ok := v.(int32); ok {
			return ^x, nil
		}
	case bytecode.OpLNot:
		return boolValue(!Truthy(v)), nil
	}
	return nil, faultf("invalid operand for %s: %s", op, TypeName(v))
}
