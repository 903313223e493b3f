package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateNoRulesDenies(t *testing.T) {
	rs := NewRuleSet()
	ctx := &Context{}
	status := rs.Evaluate(Connect, ctx)
	require.True(t, status.IsDeny())
}

func TestEvaluateOptionalNoRulesAccepts(t *testing.T) {
	rs := NewRuleSet()
	ctx := &Context{}
	status := rs.EvaluateOptional(PostQueue, ctx)
	require.True(t, status.IsNext())
}

func TestActionAlwaysContinues(t *testing.T) {
	rs := NewRuleSet()
	var ran bool
	rs.Add(Connect, Action{DirectiveName: "stamp", Run: func(ctx *Context) { ran = true }})
	rs.Add(Connect, Rule{DirectiveName: "allow", Eval: func(ctx *Context) ReceiverStatus { return Next() }})
	status := rs.Evaluate(Connect, &Context{})
	require.True(t, ran)
	require.True(t, status.IsNext())
}

func TestRuleShortCircuits(t *testing.T) {
	rs := NewRuleSet()
	var secondRan bool
	rs.Add(MailFrom, Rule{DirectiveName: "deny-all", Eval: func(ctx *Context) ReceiverStatus { return Deny(nil) }})
	rs.Add(MailFrom, Rule{DirectiveName: "never", Eval: func(ctx *Context) ReceiverStatus {
		secondRan = true
		return Next()
	}})
	status := rs.Evaluate(MailFrom, &Context{})
	require.True(t, status.IsDeny())
	require.False(t, secondRan)
}

func TestPanickingRuleDenies(t *testing.T) {
	rs := NewRuleSet()
	rs.Add(RcptTo, Rule{DirectiveName: "boom", Eval: func(ctx *Context) ReceiverStatus { panic("kaboom") }})
	status := rs.Evaluate(RcptTo, &Context{})
	require.True(t, status.IsDeny())
}
