package worker

import (
	"time"

	"github.com/sirupsen/logrus"
)

// progressInterval rate-limits the commit progress log.
const progressInterval = 5 * time.Second

// progress logs commit throughput at most once per interval.
type progress struct {
	log   *logrus.Entry
	total int
	done  int
	start time.Time
	last  time.Time
	now   func() time.Time
}

func newProgress(log *logrus.Entry, total int, now func() time.Time) *progress {
	start := now()
	return &progress{log: log, total: total, start: start, last: start, now: now}
}

func (p *progress) add(n int) {
	p.done += n
	now := p.now()
	if now.Sub(p.last) < progressInterval {
		return
	}
	p.last = now
	p.emit(now)
}

func (p *progress) finish() {
	p.emit(p.now())
}

func (p *progress) emit(now time.Time) {
	percent := 100.0
	if p.total > 0 {
		percent = 100 * float64(p.done) / float64(p.total)
	}
	rate := 0.0
	if elapsed := now.Sub(p.start).Seconds(); elapsed > 0 {
		rate = float64(p.done) / elapsed
	}
	p.log.WithFields(logrus.Fields{
		"processed": p.done,
		"total":     p.total,
		"percent":   percent,
		"per_sec":   rate,
	}).Info("commit progress")
}
