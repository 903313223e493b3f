package rules

import "github.com/relaycore/vsmtp/reply"

// Status is the terminal or continuation outcome of evaluating one
// Directive. A caller folding a stage's directives together stops at the
// first Status that is not Next.
type Status interface {
	// IsNext reports whether evaluation should continue to the next directive.
	IsNext() bool
}

// ReceiverStatus is the Status implementation the SMTP receiver's rule
// engine uses: every directive either lets the transaction continue, or
// terminates it with an accept/deny/quarantine outcome and an optional
// reply overriding the stage's default.
type ReceiverStatus struct {
	kind      receiverKind
	Reply     *reply.Reply
	QuarantineReason string
}

type receiverKind int

const (
	kindNext receiverKind = iota
	kindAccept
	kindDeny
	kindQuarantine
)

func Next() ReceiverStatus { return ReceiverStatus{kind: kindNext} }

func Accept(r *reply.Reply) ReceiverStatus { return ReceiverStatus{kind: kindAccept, Reply: r} }

func Deny(r *reply.Reply) ReceiverStatus { return ReceiverStatus{kind: kindDeny, Reply: r} }

func Quarantine(reason string, r *reply.Reply) ReceiverStatus {
	return ReceiverStatus{kind: kindQuarantine, QuarantineReason: reason, Reply: r}
}

func (s ReceiverStatus) IsNext() bool       { return s.kind == kindNext }
func (s ReceiverStatus) IsAccept() bool     { return s.kind == kindAccept }
func (s ReceiverStatus) IsDeny() bool       { return s.kind == kindDeny }
func (s ReceiverStatus) IsQuarantine() bool { return s.kind == kindQuarantine }

func (s ReceiverStatus) String() string {
	switch s.kind {
	case kindAccept:
		return "accept"
	case kindDeny:
		return "deny"
	case kindQuarantine:
		return "quarantine"
	default:
		return "next"
	}
}

// NoRulesStatus is returned when a stage has no RuleSet configured for it;
// the engine defaults to denying rather than silently accepting, mirroring
// the upstream policy that an unconfigured stage is a misconfiguration, not
// an implicit allow.
func NoRulesStatus() ReceiverStatus {
	return Deny(nil)
}

// ErrorStatus is returned when a directive itself fails (panics, or returns
// an error distinct from a deliberate Deny); treated the same as a Deny so a
// broken rule cannot accidentally let mail through.
func ErrorStatus(err error) ReceiverStatus {
	r := reply.LocalError()
	return ReceiverStatus{kind: kindDeny, Reply: &r}
}
