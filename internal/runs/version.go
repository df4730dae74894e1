package runs

import (
	"strconv"
	"strings"
)

// CompareVersions compares two "YYYYMMDD.N" worker version strings
// numerically, segment by segment, returning -1, 0, or 1.
//
// The source this dispatcher was modeled on compared versions as raw
// strings, which sorts "20240101.10" before "20240101.2" lexicographically.
// Comparing each dot-separated segment as an integer fixes that: a double
// digit build counter on the same day must still be picked as the latest.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
