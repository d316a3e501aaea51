package pipeline

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

// Outcome is the result of handling one record of a batch.
type Outcome int

const (
	// OutcomeForwarded: ingest enqueued a forwarding message.
	OutcomeForwarded Outcome = iota
	// OutcomeWritten: process wrote a metadata record.
	OutcomeWritten
	// OutcomeSkipped: a normal short circuit (unsupported suffix, already processed).
	OutcomeSkipped
	// OutcomeFailed: logged and dropped; never redelivered.
	OutcomeFailed
	// OutcomeRetry: existence unknown; the batch must be redelivered.
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeWritten:
		return "written"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Report aggregates per-record outcomes of one invocation. It is safe for
// concurrent use.
type Report struct {
	BatchID string
	Counts  map[Outcome]int

	mu sync.Mutex
}

func NewReport(batchID string) *Report {
	return &Report{BatchID: batchID, Counts: map[Outcome]int{}}
}

func (r *Report) Add(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Counts[o]++
}

func (r *Report) Count(o Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Counts[o]
}

func (r *Report) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// MarshalLogObject lets a Report be logged with zap.Object.
func (r *Report) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("batch_id", r.BatchID)
	enc.AddInt("records", r.Total())
	for _, o := range []Outcome{OutcomeForwarded, OutcomeWritten, OutcomeSkipped, OutcomeFailed, OutcomeRetry} {
		if c := r.Count(o); c > 0 {
			enc.AddInt(o.String(), c)
		}
	}
	return nil
}
