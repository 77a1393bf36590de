package converter

import (
	"strconv"
	"strings"
)

type pageRange struct{ lo, hi int }

// PageSet is a set of 1-based pages held as inclusive ranges, so its size
// follows the spec string rather than the pages it names.
type PageSet []pageRange

// Contains reports whether page p is in the set.
func (s PageSet) Contains(p int) bool {
	for _, r := range s {
		if p >= r.lo && p <= r.hi {
			return true
		}
	}
	return false
}

// ParsePageSpec parses "1,3,7-10" into a page set. Ranges are inclusive and
// may overlap; a range whose start exceeds its end selects nothing.
// Tokens that are not positive integers are skipped.
func ParsePageSpec(spec string) PageSet {
	var set PageSet
	for _, part := range strings.Split(spec, ",") {
		tok := strings.TrimSpace(part)
		if tok == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(tok, "-"); ok {
			start, err1 := positive(lo)
			end, err2 := positive(hi)
			if err1 != nil || err2 != nil || start > end {
				continue
			}
			set = append(set, pageRange{start, end})
			continue
		}
		if n, err := positive(tok); err == nil {
			set = append(set, pageRange{n, n})
		}
	}
	return set
}

// KeepPages returns the pages of a count-page document not in remove,
// in ascending order.
func KeepPages(count int, remove PageSet) []int {
	keep := make([]int, 0, count)
	for p := 1; p <= count; p++ {
		if !remove.Contains(p) {
			keep = append(keep, p)
		}
	}
	return keep
}

func positive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
