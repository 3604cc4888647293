package printarea

import "strings"

// sizeScale is the ordered apparel size scale used for range matching.
var sizeScale = []string{"XS", "S", "M", "L", "XL", "2XL", "3XL", "4XL", "5XL"}

var sizeAliases = map[string]string{
	"XXL":  "2XL",
	"XXXL": "3XL",
}

func sizeIndex(label string) (int, bool) {
	label = strings.ToUpper(strings.TrimSpace(label))
	if label == "" {
		return 0, false
	}
	if alias, ok := sizeAliases[label]; ok {
		label = alias
	}
	for i, s := range sizeScale {
		if s == label {
			return i, true
		}
	}
	return 0, false
}

// parseRange parses "M-2XL" as an inclusive range on sizeScale. A single
// label matches only itself. ok is false when a bound is unknown or the
// range is inverted.
func parseRange(label string) (lo, hi int, ok bool) {
	parts := strings.Split(label, "-")
	switch len(parts) {
	case 1:
		idx, found := sizeIndex(parts[0])
		return idx, idx, found
	case 2:
		lo, okLo := sizeIndex(parts[0])
		hi, okHi := sizeIndex(parts[1])
		if !okLo || !okHi || lo > hi {
			return 0, 0, false
		}
		return lo, hi, true
	default:
		return 0, 0, false
	}
}
