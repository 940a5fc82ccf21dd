// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FormatValue formats a market value with thousands separators, keeping up
// to four significant decimals for small numbers.
func FormatValue(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}

	negative := v < 0
	if negative {
		v = -v
	}

	decimals := 2
	if v < 1 {
		decimals = 4
	}
	str := strconv.FormatFloat(v, 'f', decimals, 64)
	intPart, decPart, _ := strings.Cut(str, ".")
	decPart = strings.TrimRight(decPart, "0")

	result := groupThousands(intPart)
	if decPart != "" {
		result += "." + decPart
	}
	if negative {
		result = "-" + result
	}
	return result
}

// groupThousands inserts commas every three digits from the right.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPercent formats a ratio (0..1) as a percentage.
func FormatPercent(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatAge formats how long ago t was relative to now, e.g. "3m ago".
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// ShortID returns the first 8 characters of an id for table output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
