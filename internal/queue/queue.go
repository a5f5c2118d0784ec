// Package queue is the job queue contract shared by the RabbitMQ and the
// signed-HTTP transports: publish a job to a named endpoint, and map a
// processing result onto an acknowledgement outcome.
package queue

import (
	"context"
	"time"

	"github.com/sosmoto/sosmoto-service/internal/domain"
)

// PublishOptions tune one publish.
type PublishOptions struct {
	DelaySeconds int
	DedupKey     string
}

// Publisher delivers a job to an endpoint at least once.
type Publisher interface {
	Publish(ctx context.Context, endpoint string, job domain.Job, opts PublishOptions) error
}

// OutcomeKind tells a transport how to acknowledge a delivery.
type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomeRetry
	OutcomeDeadLetter
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDone:
		return "done"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Outcome is the result of running one job.
type Outcome struct {
	Kind      OutcomeKind
	Delay     time.Duration
	Reason    string
	ErrorKind domain.ErrorKind
}

// Done acknowledges the delivery.
func Done() Outcome { return Outcome{Kind: OutcomeDone} }

// RetryAfter asks for redelivery after delay.
func RetryAfter(delay time.Duration, reason string) Outcome {
	return Outcome{Kind: OutcomeRetry, Delay: delay, Reason: reason, ErrorKind: domain.KindTransient}
}

// DeadLetter parks the job for manual review.
func DeadLetter(reason string, kind domain.ErrorKind) Outcome {
	return Outcome{Kind: OutcomeDeadLetter, Reason: reason, ErrorKind: kind}
}
