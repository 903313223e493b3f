package rules

import "fmt"

// Directive is one entry in a Stage's ordered directive list: either a Rule
// that can terminate the transaction, or an Action that only produces a
// side effect (header insertion, logging, metric) and always continues.
type Directive interface {
	Name() string
	isDirective()
}

// Rule is a directive whose Eval result can end the transaction.
type Rule struct {
	DirectiveName string
	Eval          func(*Context) ReceiverStatus
}

func (r Rule) Name() string { return r.DirectiveName }
func (Rule) isDirective()   {}

// Action is a directive that only produces a side effect on ctx (e.g.
// stamping a header, emitting a log line) and never halts evaluation.
type Action struct {
	DirectiveName string
	Run           func(*Context)
}

func (a Action) Name() string { return a.DirectiveName }
func (Action) isDirective()   {}

// RuleSet is the ordered collection of directives per Stage that the
// receiver (Connect..PreQueue) or the working daemon (PostQueue) evaluates.
type RuleSet struct {
	byStage map[Stage][]Directive
}

// NewRuleSet builds an empty RuleSet.
func NewRuleSet() *RuleSet {
	return &RuleSet{byStage: map[Stage][]Directive{}}
}

// Add appends a directive to the end of stage's list, in the order rules
// should be evaluated.
func (rs *RuleSet) Add(stage Stage, d Directive) {
	rs.byStage[stage] = append(rs.byStage[stage], d)
}

// HasStage reports whether any directive is registered for stage.
func (rs *RuleSet) HasStage(stage Stage) bool {
	return len(rs.byStage[stage]) > 0
}

// Evaluate runs every directive registered for stage, in order, against
// ctx. An Action directive's Run is always invoked and evaluation
// continues; a Rule directive's Eval result is returned immediately if it
// is not Next. If the stage has no directives registered at all,
// NoRulesStatus is returned — configuring nothing for a stage denies
// rather than silently accepts, per status.go's NoRulesStatus doc.
// If no stage is configured at all for this Stage kind across the whole
// server (as opposed to this RuleSet instance being empty for testing), the
// caller is expected to treat an empty RuleSet as "accept" instead; see
// EvaluateOptional for that behaviour.
func (rs *RuleSet) Evaluate(stage Stage, ctx *Context) ReceiverStatus {
	directives := rs.byStage[stage]
	if len(directives) == 0 {
		return NoRulesStatus()
	}
	return rs.run(directives, ctx)
}

// EvaluateOptional behaves like Evaluate but returns Next (not Deny) when no
// directive is registered for stage, for stages where an operator running
// with no policy configured at all should fail open rather than closed
// (e.g. a deployment that hasn't configured PostQueue directives yet).
func (rs *RuleSet) EvaluateOptional(stage Stage, ctx *Context) ReceiverStatus {
	directives := rs.byStage[stage]
	if len(directives) == 0 {
		return Next()
	}
	return rs.run(directives, ctx)
}

func (rs *RuleSet) run(directives []Directive, ctx *Context) (status ReceiverStatus) {
	for _, d := range directives {
		switch v := d.(type) {
		case Action:
			func() {
				defer func() {
					if r := recover(); r != nil {
						if ctx.Services.Log != nil {
							ctx.Services.Log.Warning(v.Name(), fmt.Errorf("%v", r), "action directive panicked")
						}
					}
				}()
				v.Run(ctx)
			}()
		case Rule:
			result := rs.evalRule(v, ctx)
			if !result.IsNext() {
				return result
			}
		}
	}
	return Next()
}

func (rs *RuleSet) evalRule(r Rule, ctx *Context) (result ReceiverStatus) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("%v", rec)
			if ctx.Services.Log != nil {
				ctx.Services.Log.Warning(r.Name(), err, "rule directive panicked, denying")
			}
			result = ErrorStatus(err)
		}
	}()
	return r.Eval(ctx)
}
