package hostcmd

import (
	"sync"
	"time"
)

const (
	syncDataPoints = 16
	// syncReset drops the history when the host has been silent this long;
	// the clocks may have drifted by ~100us since.
	syncReset = 10 * time.Second
)

// timeSync estimates host boot time minus hub boot time from the
// timestamps carried by READ_EVENT requests.
type timeSync struct {
	mu       sync.Mutex
	delta    [syncDataPoints]int64
	tail     int
	cnt      int
	lastTime uint64
	avg      int64
	avgValid bool
}

// add records one host/hub timestamp pair, both in nanoseconds.
func (ts *timeSync) add(hostTime, hubTime uint64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.cnt > 0 && hostTime-ts.lastTime > uint64(syncReset) {
		ts.tail = 0
		ts.cnt = 0
	}

	ts.delta[ts.tail] = int64(hostTime - hubTime)
	ts.tail = (ts.tail + 1) % syncDataPoints
	ts.lastTime = hostTime
	if ts.cnt < syncDataPoints {
		ts.cnt++
	}
	ts.avgValid = false
}

// offset returns the averaged delta. Differences are summed relative to
// the first sample to stay clear of overflow.
func (ts *timeSync) offset() (time.Duration, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.cnt == 0 {
		return 0, false
	}
	if !ts.avgValid {
		var sum int64
		for i := 1; i < ts.cnt; i++ {
			sum += ts.delta[i] - ts.delta[0]
		}
		ts.avg = sum/int64(ts.cnt) + ts.delta[0]
		ts.avgValid = true
	}
	return time.Duration(ts.avg), true
}
