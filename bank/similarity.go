package bank

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// partialRatio scores how well the shorter string matches its best aligned
// window in the longer one, in [0, 1].
func partialRatio(a, b string) float64 {
	a, b = normalize(a), normalize(b)
	if a == "" || b == "" {
		return 0
	}
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	m := len(short)
	s := string(short)
	best := 0.0
	for i := 0; i+m <= len(long); i++ {
		d := levenshtein.ComputeDistance(s, string(long[i:i+m]))
		if r := 1 - float64(d)/float64(m); r > best {
			best = r
			if best == 1 {
				break
			}
		}
	}
	return best
}
