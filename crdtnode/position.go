package crdtnode

import "strings"

// Dense fractional position keys for ordered-list entries.
// A key is a string of decimal digits representing a fraction in (0, 1);
// lexicographic string order matches numeric fraction order as long as no
// key carries a trailing '0', which Between never produces. "" is reserved
// as the sentinel for the list's virtual head (as a lower bound) and
// virtual tail (as an upper bound) and is never assigned to a real item.
func Between(lo, hi string) string {
	// prefix returns lo's first n digits, reading past lo's end as '0'.
	prefix := func(n int) string {
		if n <= len(lo) {
			return lo[:n]
		}
		return lo + strings.Repeat("0", n-len(lo))
	}
	i := 0
	for {
		loDigit := 0
		if i < len(lo) {
			loDigit = int(lo[i] - '0')
		}
		hiDigit := 10
		if i < len(hi) {
			hiDigit = int(hi[i] - '0')
		}
		if hiDigit-loDigit >= 2 {
			mid := loDigit + (hiDigit-loDigit)/2
			return prefix(i) + string(rune('0'+mid))
		}
		if hiDigit-loDigit == 1 {
			var loRest string
			if i+1 <= len(lo) {
				loRest = lo[i+1:]
			}
			return prefix(i) + string(rune('0'+loDigit)) + Between(loRest, "")
		}
		// Equal digit at this position (once lo runs out, this is a '0'
		// digit of hi, which prefix pads for); keep walking deeper.
		i++
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// PosLess reports whether fractional key a sorts before fractional key b.
// Plain string comparison is correct for this encoding.
func PosLess(a, b string) bool {
	return a < b
}
