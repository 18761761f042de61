package command

import (
	"strconv"
	"strings"
)

var memoryUnits = map[byte]int64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
	't': 1 << 40,
}

// ParseMemory parses "<int><unit?>" (units k/m/g/t, case-insensitive) into a
// byte count. Malformed input yields 0, which callers treat as unspecified.
func ParseMemory(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	lower := strings.ToLower(s)
	mult := int64(1)
	digits := lower
	if n := len(lower); n > 0 {
		if m, ok := memoryUnits[lower[n-1]]; ok {
			mult = m
			digits = lower[:n-1]
		}
	}
	digits = strings.TrimSpace(digits)
	if digits == "" {
		return 0
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n * mult
}

// FormatBytes renders a byte count using the largest whole unit, for
// human-readable output fields.
func FormatBytes(n int64) string {
	switch {
	case n >= 1<<40 && n%(1<<40) == 0:
		return strconv.FormatInt(n/(1<<40), 10) + "t"
	case n >= 1<<30 && n%(1<<30) == 0:
		return strconv.FormatInt(n/(1<<30), 10) + "g"
	case n >= 1<<20 && n%(1<<20) == 0:
		return strconv.FormatInt(n/(1<<20), 10) + "m"
	case n >= 1<<10 && n%(1<<10) == 0:
		return strconv.FormatInt(n/(1<<10), 10) + "k"
	default:
		return strconv.FormatInt(n, 10)
	}
}
