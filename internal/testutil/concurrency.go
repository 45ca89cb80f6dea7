package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Recorder collects the execution time of named module phases. It is safe for
// concurrent use.
type Recorder struct {
	mu      sync.Mutex
	records map[string]ExecutionRecord
	order   []string
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{records: make(map[string]ExecutionRecord)}
}

// Track runs fn and records its start and end times under name.
func (r *Recorder) Track(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	end := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[name] = ExecutionRecord{Start: start, End: end}
	r.order = append(r.order, name)
	return err
}

// Get returns the record stored under name.
func (r *Recorder) Get(name string) (ExecutionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	return rec, ok
}

// Order returns the names in the order their functions finished.
func (r *Recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Rendezvous blocks callers until n of them have arrived. It proves that n
// functions run concurrently: run sequentially, the first caller times out.
type Rendezvous struct {
	n       int
	mu      sync.Mutex
	arrived int
	done    chan struct{}
}

// NewRendezvous creates a Rendezvous for n callers.
func NewRendezvous(n int) *Rendezvous {
	return &Rendezvous{n: n, done: make(chan struct{})}
}

// Wait registers the caller and waits for the others, the context, or the
// timeout, whichever comes first.
func (r *Rendezvous) Wait(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	r.arrived++
	if r.arrived == r.n {
		close(r.done)
	}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("rendezvous timed out after %s with %d of %d callers", timeout, r.arrived, r.n)
	}
}
