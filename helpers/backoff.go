package helpers

import "time"

// Backoff is exponential delay between failed attempts, limited by Max.
// One retry loop owns it, not safe for concurrent use.
//
//	for {
//	  time.Sleep(b.Wait())
//	  if err := op(); err != nil { b.Failure(); continue }
//	  b.Reset()
//	}
type Backoff struct {
	Min time.Duration
	Max time.Duration
	K   float64 // growth factor, default 2

	next     time.Duration
	last     time.Time
	failures int
}

// Wait is remaining delay before next attempt, 0 after Reset.
func (b *Backoff) Wait() time.Duration {
	if b.next == 0 {
		return 0
	}
	d := b.next - time.Since(b.last)
	if d < 0 {
		return 0
	}
	return d
}

func (b *Backoff) Failure() {
	k := b.K
	if k <= 1 {
		k = 2
	}
	if b.next == 0 {
		b.next = b.Min
	} else {
		b.next = time.Duration(float64(b.next) * k)
	}
	if b.Max > 0 && b.next > b.Max {
		b.next = b.Max
	}
	b.last = time.Now()
	b.failures++
}

func (b *Backoff) Reset() {
	b.next = 0
	b.failures = 0
}

// Failures counts Failure calls since last Reset.
func (b *Backoff) Failures() int { return b.failures }
