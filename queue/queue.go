/*
Package queue abstracts "publish this accepted message for later
delivery" behind a small interface, with an SQS-backed implementation
for production and an in-memory one for tests.
*/
package queue

import (
	"context"
	"errors"
	"sync"
)

// PublishError classifies a publish failure as transient (the receiver
// should reply 4xx and let the client retry) or permanent (550).
type PublishError struct {
	Transient bool
	Err       error
}

func (e *PublishError) Error() string { return e.Err.Error() }
func (e *PublishError) Unwrap() error { return e.Err }

// IsTransient reports whether err (possibly wrapped) is a transient PublishError.
func IsTransient(err error) bool {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// Publisher hands a message body to a durable queue, in publish-with-ack
// mode: Publish only returns once the backend has confirmed receipt.
type Publisher interface {
	Publish(ctx context.Context, queueName string, body []byte) error
}

// MemPublisher is an in-memory Publisher used by tests and by a
// single-process demo deployment.
type MemPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	FailNext bool // when true, the next Publish call returns a transient PublishError
}

// NewMemPublisher builds an empty MemPublisher.
func NewMemPublisher() *MemPublisher {
	return &MemPublisher{messages: map[string][][]byte{}}
}

func (p *MemPublisher) Publish(ctx context.Context, queueName string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNext {
		p.FailNext = false
		return &PublishError{Transient: true, Err: errors.New("queue: simulated transient failure")}
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	p.messages[queueName] = append(p.messages[queueName], cp)
	return nil
}

// Messages returns a copy of everything published to queueName, for assertions in tests.
func (p *MemPublisher) Messages(queueName string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.messages[queueName]))
	copy(out, p.messages[queueName])
	return out
}
