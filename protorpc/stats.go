package protorpc

import (
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// rttStats tracks round trip times of successful calls.
type rttStats struct {
	mut sync.Mutex
	td  *tdigest.TDigest
}

func newRttStats() *rttStats {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &rttStats{td: td}
}

func (s *rttStats) add(rtt time.Duration) {
	s.mut.Lock()
	err := s.td.Add(float64(rtt))
	s.mut.Unlock()
	if err != nil {
		alwaysPrintf("rttStats.add(%v) error: '%v'", rtt, err)
	}
}

// RttSummary is a snapshot of call round trip times.
type RttSummary struct {
	Count uint64
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
}

func (s *rttStats) summary() (r RttSummary) {
	s.mut.Lock()
	defer s.mut.Unlock()
	r.Count = s.td.Count()
	if r.Count == 0 {
		return
	}
	r.P50 = time.Duration(s.td.Quantile(0.5))
	r.P90 = time.Duration(s.td.Quantile(0.9))
	r.P99 = time.Duration(s.td.Quantile(0.99))
	return
}
