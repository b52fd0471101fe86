package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sn2omf/sn2omf/internal/model"
)

func constTok(v uint32) model.ExprToken { return model.ExprToken{Op: model.VConst, Value: v} }
func opTok(op uint32) model.ExprToken   { return model.ExprToken{Op: op} }

func TestSimplify_ConstantFoldingTotality(t *testing.T) {
	// pre-order: + (+ 1 2) 3  ==  (1+2)+3
	in := []model.ExprToken{
		opTok(model.OpAdd),
		opTok(model.OpAdd), constTok(1), constTok(2),
		constTok(3),
	}
	out := Simplify(in)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsConst())
	assert.Equal(t, uint32(6), out[0].Value)
}

func TestSimplify_DivisionByZeroYieldsZero(t *testing.T) {
	in := []model.ExprToken{opTok(model.OpDiv), constTok(42), constTok(0)}
	out := Simplify(in)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(0), out[0].Value)
}

func TestSimplify_ModByZeroYieldsZero(t *testing.T) {
	in := []model.ExprToken{opTok(model.OpMod), constTok(42), constTok(0)}
	out := Simplify(in)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(0), out[0].Value)
}

func TestSimplify_ComparisonYieldsZeroOrOne(t *testing.T) {
	in := []model.ExprToken{opTok(model.OpLt), constTok(3), constTok(5)}
	out := Simplify(in)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(1), out[0].Value)
}

func TestSimplify_OmfPlusConstKeepsSegment(t *testing.T) {
	in := []model.ExprToken{opTok(model.OpAdd), model.NewOmfToken(3, 0x100), constTok(0x10)}
	out := Simplify(in)
	require.Len(t, out, 1)
	require.True(t, out[0].IsOmf())
	assert.Equal(t, uint32(3), out[0].OmfSegment())
	assert.Equal(t, uint32(0x110), out[0].Value)
}

func TestSimplify_ConstPlusOmfCommutes(t *testing.T) {
	in := []model.ExprToken{opTok(model.OpAdd), constTok(0x10), model.NewOmfToken(3, 0x100)}
	out := Simplify(in)
	require.Len(t, out, 1)
	require.True(t, out[0].IsOmf())
	assert.Equal(t, uint32(0x110), out[0].Value)
}

func TestSimplify_OmfMinusOmfSameSegmentYieldsConst(t *testing.T) {
	in := []model.ExprToken{opTok(model.OpSub), model.NewOmfToken(1, 0x200), model.NewOmfToken(1, 0x180)}
	out := Simplify(in)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsConst())
	assert.Equal(t, uint32(0x80), out[0].Value)
}

func TestSimplify_OmfMinusOmfDifferentSegmentIsUnchanged(t *testing.T) {
	in := []model.ExprToken{opTok(model.OpSub), model.NewOmfToken(1, 0x200), model.NewOmfToken(2, 0x180)}
	out := Simplify(in)
	require.Len(t, out, 3)
}

func TestSimplify_Idempotent(t *testing.T) {
	in := []model.ExprToken{
		opTok(model.OpSub), opTok(model.OpAnd), constTok(0xff0000),
		model.NewOmfToken(1, 0x200), model.NewOmfToken(2, 0x300),
	}
	once := Simplify(in)
	twice := Simplify(once)
	assert.Equal(t, once, twice)
}

func TestSimplify_UnresolvedTerminalsLeftAlone(t *testing.T) {
	// extern id 3 + 4: cannot fold, single-terminal operator not applicable
	in := []model.ExprToken{
		opTok(model.OpAdd),
		{Op: model.VExtern, Value: 3},
		constTok(4),
	}
	out := Simplify(in)
	require.Len(t, out, 3)
	assert.Equal(t, model.VExtern, int(out[0].Tag()))
}

func TestSimplify_SemanticsPreservedUnderAssignment(t *testing.T) {
	// (extern + 5) * 2, evaluated right-to-left as RPN for extern=10.
	in := []model.ExprToken{
		opTok(model.OpMul),
		opTok(model.OpAdd), {Op: model.VExtern, Value: 0}, constTok(5),
		constTok(2),
	}
	out := Simplify(in)

	want := evalRPN(t, in, 10)
	got := evalRPN(t, out, 10)
	assert.Equal(t, want, got)
}

// evalRPN evaluates tokens right-to-left as RPN, substituting externValue
// for any VExtern terminal.
func evalRPN(t *testing.T, tokens []model.ExprToken, externValue uint32) uint32 {
	t.Helper()
	var stack []uint32
	for i := len(tokens) - 1; i >= 0; i-- {
		tok := tokens[i]
		if tok.IsTerminal() {
			if tok.Tag() == model.VExtern {
				stack = append(stack, externValue)
			} else {
				stack = append(stack, tok.Value)
			}
			continue
		}
		require.GreaterOrEqual(t, len(stack), 2)
		a, b := stack[len(stack)-2], stack[len(stack)-1]
		stack = stack[:len(stack)-2]
		var v uint32
		switch tok.Tag() {
		case model.OpAdd:
			v = a + b
		case model.OpSub:
			v = a - b
		case model.OpMul:
			v = a * b
		default:
			t.Fatalf("unhandled op %#x in evalRPN", tok.Tag())
		}
		stack = append(stack, v)
	}
	require.Len(t, stack, 1)
	return stack[0]
}

func TestStripTruncation_ExactMaskFires(t *testing.T) {
	in := []model.ExprToken{opTok(model.OpAnd), constTok(0xff), model.NewOmfToken(1, 0x100)}
	out, fired := StripTruncation(in, 1)
	assert.True(t, fired)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsOmf())
}

func TestStripTruncation_WrongWidthDoesNotFire(t *testing.T) {
	in := []model.ExprToken{opTok(model.OpAnd), constTok(0xff), model.NewOmfToken(1, 0x100)}
	out, fired := StripTruncation(in, 2)
	assert.False(t, fired)
	assert.Equal(t, in, out)
}

func TestStripTruncation_NonMatchingShapeDoesNotFire(t *testing.T) {
	in := []model.ExprToken{model.NewOmfToken(1, 0x100)}
	out, fired := StripTruncation(in, 1)
	assert.False(t, fired)
	assert.Equal(t, in, out)
}
