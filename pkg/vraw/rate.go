// SPDX-License-Identifier: GPL-2.0-or-later

package vraw

// RateEstimator derives a constant output frame rate from the
// per-frame timestamps of a recording. Timestamps are fed in decode
// order during the metadata pre-pass.
type RateEstimator struct {
	timestamps []int64
	receive    []int64
}

// Add records the timestamps of one frame. Stats frames must not be
// added, they are not part of the video timeline.
func (e *RateEstimator) Add(timestamp int64, receiveTimestamp int64) {
	e.timestamps = append(e.timestamps, timestamp)
	e.receive = append(e.receive, receiveTimestamp)
}

// Count returns the number of frames seen.
func (e *RateEstimator) Count() int {
	return len(e.timestamps)
}

// Estimate returns frames per second as 1/mean(consecutive deltas).
// Capture timestamps are nanoseconds. Some capture systems never
// stamp `timestamp`, if it is zero for every frame the receive
// timestamps are used instead.
//
// Fewer than two frames, or a non-positive mean delta, yields the
// fallback rate and false. Non-monotonic and duplicate timestamps are
// averaged as-is, no outlier rejection is attempted.
func (e *RateEstimator) Estimate(fallback float64) (float64, bool) {
	stamps := e.timestamps
	allZero := true
	for _, t := range stamps {
		if t != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		stamps = e.receive
	}

	if len(stamps) < 2 {
		return fallback, false
	}

	var sum float64
	for i := 0; i < len(stamps)-1; i++ {
		sum += float64(stamps[i+1] - stamps[i])
	}
	meanNs := sum / float64(len(stamps)-1)
	if meanNs <= 0 {
		return fallback, false
	}

	return 1e9 / meanNs, true
}
