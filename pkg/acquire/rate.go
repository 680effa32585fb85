package acquire

import (
	"time"

	"github.com/rs/zerolog/log"
)

// rateLog reports loop throughput at debug level about once a second.
type rateLog struct {
	last  time.Time
	prev  Stats
	every time.Duration
}

func newRateLog() *rateLog {
	return &rateLog{last: time.Now(), every: time.Second}
}

func (r *rateLog) tick(s Stats) {
	now := time.Now()
	dt := now.Sub(r.last)
	if dt < r.every {
		return
	}

	secs := dt.Seconds()
	log.Debug().
		Float64("bytes_per_s", float64(s.Bytes-r.prev.Bytes)/secs).
		Float64("readings_per_s", float64(s.Readings-r.prev.Readings)/secs).
		Uint64("bad_slots", s.BadSlots-r.prev.BadSlots).
		Uint64("empty_reads", s.EmptyReads-r.prev.EmptyReads).
		Msg("data rate")

	r.last = now
	r.prev = s
}
