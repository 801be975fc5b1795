// Package riffle plans start offsets that interleave two devices'
// imaging schedules. A kinetic series keeps the stage and camera busy
// in short duty cycles separated by long incubation delays; shifting
// the second device's series into the first one's idle gaps lets both
// run on shared optics without contention.
package riffle

import (
	"time"
)

// Period is one scope/stage duty cycle, as offsets from series start.
type Period struct {
	Start  time.Duration `json:"start"`
	End    time.Duration `json:"end"`
	Device string        `json:"device,omitempty"`
}

// Duration returns the length of the period.
func (p Period) Duration() time.Duration { return p.End - p.Start }

// Options tunes the offset search.
type Options struct {
	// Buffer pads every duty cycle on both sides when testing for
	// collisions, absorbing stage settling and estimate error.
	Buffer time.Duration

	// Tail extends the search window past the last duty cycle.
	Tail time.Duration

	// Step is the offset search granularity.
	Step time.Duration
}

// DefaultOptions returns the search parameters used on the bench rig.
func DefaultOptions() Options {
	return Options{
		Buffer: 60 * time.Second,
		Tail:   500 * time.Second,
		Step:   time.Second,
	}
}

// BusyPeriods expands a series of inter-timepoint delays into duty
// cycles. The first delay separates a T0 and a T1 acquisition, so n
// delays yield n+1 periods.
func BusyPeriods(delays []time.Duration, scan time.Duration, device string) []Period {
	periods := make([]Period, 0, len(delays)+1)
	var start time.Duration
	for _, delay := range delays {
		periods = append(periods, Period{Start: start, End: start + scan, Device: device})
		start += delay
	}
	return append(periods, Period{Start: start, End: start + scan, Device: device})
}

// IdlePeriods returns the gaps between consecutive duty cycles, plus a
// final window of length tail after the last one. The input must be in
// start order, as BusyPeriods produces it.
func IdlePeriods(busy []Period, tail time.Duration) []Period {
	if len(busy) == 0 {
		return nil
	}
	idle := make([]Period, 0, len(busy))
	for i := 0; i < len(busy)-1; i++ {
		idle = append(idle, Period{Start: busy[i].End, End: busy[i+1].Start})
	}
	last := busy[len(busy)-1]
	return append(idle, Period{Start: last.End, End: last.End + tail})
}

// Shift returns a copy of the schedule with every period moved later
// by offset.
func Shift(busy []Period, offset time.Duration) []Period {
	shifted := make([]Period, len(busy))
	for i, p := range busy {
		shifted[i] = Period{Start: p.Start + offset, End: p.End + offset, Device: p.Device}
	}
	return shifted
}

// Collides reports whether any duty cycle of a overlaps any duty cycle
// of b once both are padded by buffer on each side.
func Collides(a, b []Period, buffer time.Duration) bool {
	for _, pb := range b {
		for _, pa := range a {
			if pa.Start-buffer < pb.End+buffer && pb.Start-buffer < pa.End+buffer {
				return true
			}
		}
	}
	return false
}

// FindOffset searches the second schedule's idle gaps for the smallest
// start offset that riffles it into the first schedule without
// collisions. Returns false when no candidate offset works, in which
// case the series must run back to back.
func FindOffset(first, second []Period, opts Options) (time.Duration, bool) {
	if opts.Step <= 0 {
		opts.Step = DefaultOptions().Step
	}
	for _, gap := range IdlePeriods(second, opts.Tail) {
		for off := gap.Start; off < gap.End; off += opts.Step {
			if !Collides(first, Shift(second, off), opts.Buffer) {
				return off, true
			}
		}
	}
	return 0, false
}

// SeriesDelays concatenates the delay series of assays run back to
// back on one device, inserting flowDelay between assays for the inlet
// tree flush and equilibration of the next substrate.
func SeriesDelays(series [][]time.Duration, flowDelay time.Duration) []time.Duration {
	var delays []time.Duration
	for i, s := range series {
		if i > 0 {
			delays = append(delays, flowDelay)
		}
		delays = append(delays, s...)
	}
	return delays
}
