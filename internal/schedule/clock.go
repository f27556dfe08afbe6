// Package schedule computes fire instants for one-shot, cron, and RRULE
// schedules. All returned instants are UTC; wall-clock interpretation
// happens through IANA zones.
package schedule

import (
	"sort"
	"time"
)

// ResolveLocal interprets a wall-clock reading in loc as a UTC instant,
// applying the DST policy: a wall time inside a spring-forward gap maps to
// the first valid instant at or after the gap (the transition itself); an
// ambiguous fall-back wall time resolves to the first (still-DST)
// occurrence.
func ResolveLocal(year int, month time.Month, day, hour, minute, sec int, loc *time.Location) time.Time {
	wall := time.Date(year, month, day, hour, minute, sec, 0, time.UTC)

	var matches []time.Time
	for _, off := range candidateOffsets(year, month, day, loc) {
		utc := wall.Add(-time.Duration(off) * time.Second)
		if sameWall(utc.In(loc), year, month, day, hour, minute, sec) {
			matches = append(matches, utc)
		}
	}

	switch len(matches) {
	case 0:
		// Gap: bracket the transition with the UTC instants implied by the
		// surrounding offsets and binary-search for the boundary.
		return gapTransition(wall, year, month, day, loc)
	case 1:
		return matches[0]
	default:
		sort.Slice(matches, func(i, j int) bool { return matches[i].Before(matches[j]) })
		return matches[0]
	}
}

// NextTransition returns the first offset-change instant in (from, until],
// or the zero time when the interval contains none. from and until are UTC.
func NextTransition(loc *time.Location, from, until time.Time) time.Time {
	if !until.After(from) {
		return time.Time{}
	}
	_, baseOff := from.In(loc).Zone()

	// Walk forward a day at a time, then narrow down to the second.
	step := 24 * time.Hour
	prev := from
	for t := from.Add(step); ; t = t.Add(step) {
		if t.After(until) {
			t = until
		}
		if _, off := t.In(loc).Zone(); off != baseOff {
			return offsetBoundary(prev, t, loc)
		}
		if !t.Before(until) {
			return time.Time{}
		}
		prev = t
	}
}

// offsetBoundary binary-searches (lo, hi] for the first instant whose offset
// differs from lo's.
func offsetBoundary(lo, hi time.Time, loc *time.Location) time.Time {
	_, loOff := lo.In(loc).Zone()
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2).Truncate(time.Second)
		if _, off := mid.In(loc).Zone(); off == loOff {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

func gapTransition(wall time.Time, year int, month time.Month, day int, loc *time.Location) time.Time {
	offs := candidateOffsets(year, month, day, loc)
	if len(offs) == 1 {
		// Degenerate: no surrounding offset change found; fall back to the
		// runtime's normalization.
		return time.Date(year, month, day, wall.Hour(), wall.Minute(), wall.Second(), 0, loc).UTC()
	}

	// Larger offset produces the earlier UTC candidate; the transition lies
	// between the two candidates.
	sort.Ints(offs)
	lo := wall.Add(-time.Duration(offs[len(offs)-1]) * time.Second)
	hi := wall.Add(-time.Duration(offs[0]) * time.Second)
	return offsetBoundary(lo, hi, loc)
}

// candidateOffsets collects the distinct UTC offsets in effect in loc around
// the target day.
func candidateOffsets(year int, month time.Month, day int, loc *time.Location) []int {
	probe := time.Date(year, month, day, 12, 0, 0, 0, loc)
	seen := make(map[int]struct{}, 3)
	var offs []int
	for _, d := range []time.Duration{-26 * time.Hour, 0, 26 * time.Hour} {
		_, off := probe.Add(d).Zone()
		if _, dup := seen[off]; !dup {
			seen[off] = struct{}{}
			offs = append(offs, off)
		}
	}
	return offs
}

func sameWall(t time.Time, year int, month time.Month, day, hour, minute, sec int) bool {
	return t.Year() == year && t.Month() == month && t.Day() == day &&
		t.Hour() == hour && t.Minute() == minute && t.Second() == sec
}
