package ingestion

import (
	"context"
	"errors"
	"fmt"

	"PegLedger/internal/core"
	"PegLedger/internal/event"
)

// ErrMalformed wraps decode and shape errors of a submitted operation.
var ErrMalformed = errors.New("malformed operation")

// Submission is one operation queued for the core loop. Reply, when set,
// receives exactly one result. A submission with Inspect set is a read: the
// function runs on the core goroutine and no operation is applied.
type Submission struct {
	Op      event.Operation
	Inspect func(c *core.DeterministicCore)
	Reply   chan<- SubmitResult
}

// SubmitResult is the core's verdict. A nil Result with a nil Err means the
// operation was a duplicate.
type SubmitResult struct {
	Result *core.OperationResult
	Err    error
}

// Apply runs a submission on the core and answers it. Core goroutine only.
func Apply(c *core.DeterministicCore, sub Submission) SubmitResult {
	var res SubmitResult
	if sub.Inspect != nil {
		sub.Inspect(c)
	} else {
		res.Result, res.Err = c.ProcessOperation(sub.Op)
	}
	if sub.Reply != nil {
		sub.Reply <- res
	}
	return res
}

// DirectIngestService injects operations for admin and manual use. It shares
// the core loop with the NATS path, so block order still applies.
type DirectIngestService struct {
	submitChan chan<- Submission
}

func NewDirectIngestService(submitChan chan<- Submission) *DirectIngestService {
	return &DirectIngestService{submitChan: submitChan}
}

// Submit decodes one operation, waits for the core to apply it and returns
// the result.
func (s *DirectIngestService) Submit(ctx context.Context, opType string, data []byte) (*core.OperationResult, error) {
	op, err := ParseOperation(opType, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	reply := make(chan SubmitResult, 1)
	select {
	case s.submitChan <- Submission{Op: op, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.Result, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Inspect runs fn on the core goroutine between operations and waits for it.
// fn must not retain references to core state.
func (s *DirectIngestService) Inspect(ctx context.Context, fn func(c *core.DeterministicCore)) error {
	reply := make(chan SubmitResult, 1)
	select {
	case s.submitChan <- Submission{Inspect: fn, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
