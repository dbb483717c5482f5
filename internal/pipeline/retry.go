package pipeline

import "sync"

// RetryLedger counts retry attempts per (issue, stage). It is in-memory
// only; a restart resets the counts, which at worst grants a ticket one
// extra round of retries.
type RetryLedger struct {
	mu     sync.Mutex
	counts map[string]map[string]int
}

// NewRetryLedger creates an empty ledger.
func NewRetryLedger() *RetryLedger {
	return &RetryLedger{counts: map[string]map[string]int{}}
}

// Allow records an attempt and reports whether it is within the ceiling.
// With ceiling 2 the sequence of returns is true, true, false.
func (l *RetryLedger) Allow(issueRef, stage string, ceiling int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	byStage, ok := l.counts[issueRef]
	if !ok {
		byStage = map[string]int{}
		l.counts[issueRef] = byStage
	}
	byStage[stage]++
	return byStage[stage] <= ceiling
}

// Count returns the attempts recorded so far for (issue, stage).
func (l *RetryLedger) Count(issueRef, stage string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[issueRef][stage]
}

// Forget drops all counts for an issue. Called when a ticket leaves the
// pipeline.
func (l *RetryLedger) Forget(issueRef string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, issueRef)
}
