package archive

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// Progress counts what a build has discovered and written so far. All
// methods are safe on a nil receiver so callers can skip tracking.
type Progress struct {
	discovered int64
	processed  int64
	bytes      int64
	startTime  time.Time
}

func NewProgress() *Progress {
	return &Progress{startTime: time.Now()}
}

// IncrementDiscovered increments the discovered counter by n
func (p *Progress) IncrementDiscovered(n int) {
	if p == nil {
		return
	}
	atomic.AddInt64(&p.discovered, int64(n))
}

// IncrementProcessed counts one written file of size bytes
func (p *Progress) IncrementProcessed(bytes int64) {
	if p == nil {
		return
	}
	atomic.AddInt64(&p.processed, 1)
	atomic.AddInt64(&p.bytes, bytes)
}

type ProgressSnapshot struct {
	Discovered int64         `json:"discovered"`
	Processed  int64         `json:"processed"`
	Bytes      int64         `json:"bytes"`
	Elapsed    time.Duration `json:"elapsed"`
}

func (p *Progress) Snapshot() ProgressSnapshot {
	if p == nil {
		return ProgressSnapshot{}
	}
	return ProgressSnapshot{
		Discovered: atomic.LoadInt64(&p.discovered),
		Processed:  atomic.LoadInt64(&p.processed),
		Bytes:      atomic.LoadInt64(&p.bytes),
		Elapsed:    time.Since(p.startTime),
	}
}

func (s ProgressSnapshot) String() string {
	return fmt.Sprintf("%s / %s files, %s bytes in %.1fs",
		groupDigits(s.Processed),
		groupDigits(s.Discovered),
		groupDigits(s.Bytes),
		s.Elapsed.Seconds())
}

// groupDigits renders n with a comma between every three digits.
func groupDigits(n int64) string {
	digits := strconv.FormatInt(n, 10)
	sign := ""
	if n < 0 {
		sign, digits = "-", digits[1:]
	}
	head := len(digits) % 3
	if head == 0 {
		head = 3
	}
	out := []byte(digits[:head])
	for i := head; i < len(digits); i += 3 {
		out = append(out, ',')
		out = append(out, digits[i:i+3]...)
	}
	return sign + string(out)
}
