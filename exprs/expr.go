// Package exprs implements the symbolic-extent expression evaluator that
// shapeinfer, smem and launchparams resolve kir.Expr values against. It is
// the one piece of the external expression-graph IR this module must give
// a concrete shape to, since every component downstream of lowering needs
// something to bind input shapes into and evaluate extents from.
package exprs

import (
	"fmt"

	"github.com/gpufusion/executor/kir"
)

// Op identifies a Node's operator. A Node with Op == OpSymbol or OpConst is
// a leaf.
type Op int

const (
	OpConst Op = iota
	OpSymbol
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMax
	OpMin
	OpEQ
	OpLT
	OpLE
	OpAnd
	OpOr
	OpNot
)

// Node is a symbolic scalar expression node. It satisfies kir.Expr.
type Node struct {
	Op       Op
	Const    int64
	Name     string
	Children []*Node
}

// Symbol returns the node's identifying name (its own name for a leaf
// symbol, or its operator otherwise). Implements kir.Expr.
func (n *Node) Symbol() string {
	if n == nil {
		return "<nil>"
	}
	if n.Op == OpSymbol {
		return n.Name
	}
	if n.Op == OpConst {
		return fmt.Sprintf("%d", n.Const)
	}
	return fmt.Sprintf("op%d", n.Op)
}

// Const builds a constant leaf node.
func Const(v int64) *Node { return &Node{Op: OpConst, Const: v} }

// Sym builds a named symbol leaf node.
func Sym(name string) *Node { return &Node{Op: OpSymbol, Name: name} }

func bin(op Op, a, b *Node) *Node { return &Node{Op: op, Children: []*Node{a, b}} }

func Add(a, b *Node) *Node { return bin(OpAdd, a, b) }
func Sub(a, b *Node) *Node { return bin(OpSub, a, b) }
func Mul(a, b *Node) *Node { return bin(OpMul, a, b) }
func Div(a, b *Node) *Node { return bin(OpDiv, a, b) }
func Max(a, b *Node) *Node { return bin(OpMax, a, b) }
func Min(a, b *Node) *Node { return bin(OpMin, a, b) }
func EQ(a, b *Node) *Node  { return bin(OpEQ, a, b) }
func LT(a, b *Node) *Node  { return bin(OpLT, a, b) }
func LE(a, b *Node) *Node  { return bin(OpLE, a, b) }
func And(a, b *Node) *Node { return bin(OpAnd, a, b) }
func Or(a, b *Node) *Node  { return bin(OpOr, a, b) }
func Not(a *Node) *Node    { return &Node{Op: OpNot, Children: []*Node{a}} }

// Evaluator binds symbolic names to concrete int64 values and resolves
// Node trees against those bindings. It is the non-owning view handed to
// shapeinfer/smem/launchparams/alloc: its lifetime is bounded by the
// executor instance that created it (spec.md §9 arena note).
type Evaluator struct {
	bindings map[string]int64
}

// NewEvaluator returns an Evaluator with no bindings.
func NewEvaluator() *Evaluator {
	return &Evaluator{bindings: make(map[string]int64)}
}

// Bind sets name's value, overwriting any prior binding.
func (e *Evaluator) Bind(name string, value int64) {
	e.bindings[name] = value
}

// Lookup returns name's bound value, if any.
func (e *Evaluator) Lookup(name string) (int64, bool) {
	v, ok := e.bindings[name]
	return v, ok
}

// Eval resolves expr to a concrete value. expr must be a *Node (the only
// concrete kir.Expr this module produces); any other implementation of
// kir.Expr cannot be evaluated here and returns ok=false.
func (e *Evaluator) Eval(expr kir.Expr) (int64, bool) {
	n, ok := expr.(*Node)
	if !ok || n == nil {
		return 0, false
	}
	return e.evalNode(n)
}

func (e *Evaluator) evalNode(n *Node) (int64, bool) {
	switch n.Op {
	case OpConst:
		return n.Const, true
	case OpSymbol:
		return e.Lookup(n.Name)
	}

	vals := make([]int64, len(n.Children))
	for i, c := range n.Children {
		v, ok := e.evalNode(c)
		if !ok {
			return 0, false
		}
		vals[i] = v
	}

	switch n.Op {
	case OpAdd:
		return vals[0] + vals[1], true
	case OpSub:
		return vals[0] - vals[1], true
	case OpMul:
		return vals[0] * vals[1], true
	case OpDiv:
		if vals[1] == 0 {
			return 0, false
		}
		return vals[0] / vals[1], true
	case OpMax:
		if vals[0] > vals[1] {
			return vals[0], true
		}
		return vals[1], true
	case OpMin:
		if vals[0] < vals[1] {
			return vals[0], true
		}
		return vals[1], true
	case OpEQ:
		return boolToInt(vals[0] == vals[1]), true
	case OpLT:
		return boolToInt(vals[0] < vals[1]), true
	case OpLE:
		return boolToInt(vals[0] <= vals[1]), true
	case OpAnd:
		return boolToInt(vals[0] != 0 && vals[1] != 0), true
	case OpOr:
		return boolToInt(vals[0] != 0 || vals[1] != 0), true
	case OpNot:
		return boolToInt(vals[0] == 0), true
	}
	return 0, false
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// EvalBool resolves expr and reports it as a boolean (nonzero == true),
// used for kir.Precondition evaluation.
func (e *Evaluator) EvalBool(expr kir.Expr) (bool, bool) {
	v, ok := e.Eval(expr)
	if !ok {
		return false, false
	}
	return v != 0, true
}
