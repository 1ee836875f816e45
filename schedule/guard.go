package schedule

import "time"

// Once-per-period guards. Each trigger kind keys its own guard off its
// own persisted timestamp; two kinds must never share a slot. The
// monthly and urgent rebalance paths learned this the hard way: with a
// shared guard the urgent path re-fired the monthly action every day.

// SameMonth reports whether a and b fall in the same calendar month.
// A zero a never matches, so a fresh state fires immediately.
func SameMonth(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// SameDay reports whether a and b fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// SameISOWeek reports whether a and b fall in the same ISO week.
func SameISOWeek(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, aw := a.ISOWeek()
	by, bw := b.ISOWeek()
	return ay == by && aw == bw
}
