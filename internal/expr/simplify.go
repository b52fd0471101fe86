// Package expr implements the relocation-expression stack machine: it
// simplifies the postfix (right-to-left RPN) token list produced by the
// SN parser and rewritten by the linker's extern/query-operator passes.
package expr

import "github.com/sn2omf/sn2omf/internal/model"

// Simplify reduces expr algebraically, evaluating right-to-left as RPN.
// The result evaluates identically to the input for any assignment of
// values to unresolved terminals; |result| <= |expr|.
func Simplify(tokens []model.ExprToken) []model.ExprToken {
	if len(tokens) <= 1 {
		return tokens
	}

	var out []model.ExprToken
	reduced := false

	for i := len(tokens) - 1; i >= 0; i-- {
		t := tokens[i]

		if t.IsTerminal() {
			out = append(out, t)
			continue
		}

		// Binary operator; needs two items already on the output stack.
		if len(out) < 2 {
			out = append(out, t)
			continue
		}

		a := out[len(out)-2] // deeper operand
		b := out[len(out)-1] // top operand

		if folded, ok := foldConst(t.Tag(), a, b); ok {
			out = out[:len(out)-2]
			out = append(out, folded)
			reduced = true
			continue
		}

		if result, ok := foldOmfConst(t.Tag(), a, b); ok {
			out = out[:len(out)-2]
			out = append(out, result)
			reduced = true
			continue
		}

		// Cannot simplify this node; keep the operator as-is.
		out = append(out, t)
	}

	if !reduced && len(out) == len(tokens) {
		return tokens
	}

	reverse(out)
	return out
}

func reverse(v []model.ExprToken) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}

// foldConst folds two V_CONST operands with a binary operator into one.
// Division/modulo by zero yields 0 rather than raising; arithmetic wraps
// as unsigned 32-bit, comparisons yield 0/1.
func foldConst(op uint32, a, b model.ExprToken) (model.ExprToken, bool) {
	if !a.IsConst() || !b.IsConst() {
		return model.ExprToken{}, false
	}
	x, y := a.Value, b.Value
	var v uint32
	switch op {
	case model.OpEq:
		v = boolToU32(x == y)
	case model.OpNe:
		v = boolToU32(x != y)
	case model.OpLe:
		v = boolToU32(x <= y)
	case model.OpLt:
		v = boolToU32(x < y)
	case model.OpGe:
		v = boolToU32(x >= y)
	case model.OpGt:
		v = boolToU32(x > y)
	case model.OpAdd:
		v = x + y
	case model.OpSub:
		v = x - y
	case model.OpMul:
		v = x * y
	case model.OpDiv:
		if y == 0 {
			v = 0
		} else {
			v = x / y
		}
	case model.OpMod:
		if y == 0 {
			v = 0
		} else {
			v = x % y
		}
	case model.OpAnd:
		v = x & y
	case model.OpOr:
		v = x | y
	case model.OpXor:
		v = x ^ y
	case model.OpLShift:
		v = x << (y & 31)
	case model.OpRShift:
		v = x >> (y & 31)
	default:
		return model.ExprToken{}, false
	}
	return model.ExprToken{Op: model.VConst, Value: v}, true
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// foldOmfConst folds a V_OMF operand against a V_CONST operand for + and
// -, and a V_OMF - V_OMF pair (same segment) into a constant difference.
func foldOmfConst(op uint32, a, b model.ExprToken) (model.ExprToken, bool) {
	switch {
	case a.IsOmf() && b.IsConst() && op == model.OpAdd:
		return model.NewOmfToken(a.OmfSegment(), a.Value+b.Value), true

	case a.IsOmf() && b.IsConst() && op == model.OpSub:
		return model.NewOmfToken(a.OmfSegment(), a.Value-b.Value), true

	case a.IsConst() && b.IsOmf() && op == model.OpAdd:
		return model.NewOmfToken(b.OmfSegment(), b.Value+a.Value), true

	case a.IsOmf() && b.IsOmf() && a.Op == b.Op && op == model.OpSub:
		return model.ExprToken{Op: model.VConst, Value: a.Value - b.Value}, true
	}
	return model.ExprToken{}, false
}

// widthMask returns the bitmask spanned by a relocation of the given byte
// width, used by StripTruncation.
func widthMask(width int) (uint32, bool) {
	switch width {
	case 1:
		return 0xff, true
	case 2:
		return 0xffff, true
	case 3:
		return 0xffffff, true
	case 4:
		return 0xffffffff, true
	}
	return 0, false
}

// StripTruncation removes a redundant leading "AND CONST<mask>" pair when
// mask exactly matches the relocation's declared width: the OMF-level
// truncation at emit time makes the explicit mask redundant. It reports
// whether it fired, so the caller can also downgrade a *_WARN relocation
// type to its non-warning counterpart.
func StripTruncation(tokens []model.ExprToken, width int) ([]model.ExprToken, bool) {
	if len(tokens) < 3 || tokens[0].Tag() != model.OpAnd || !tokens[1].IsConst() {
		return tokens, false
	}
	mask, ok := widthMask(width)
	if !ok || tokens[1].Value != mask {
		return tokens, false
	}
	return tokens[2:], true
}
