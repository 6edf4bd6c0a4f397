// Package instancetype ranks and compares EC2 instance type names such as
// "t3.medium". All functions are pure; availability is answered elsewhere.
package instancetype

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/savaki/ec2-resizer/internal/errors"
)

// sizes is ordered smallest to largest.
var sizes = []string{
	"nano",
	"micro",
	"small",
	"medium",
	"large",
	"xlarge",
	"2xlarge",
	"4xlarge",
	"8xlarge",
	"12xlarge",
	"16xlarge",
	"24xlarge",
	"32xlarge",
	"48xlarge",
}

var sizeRank = func() map[string]int {
	m := make(map[string]int, len(sizes))
	for i, s := range sizes {
		m[s] = i
	}
	return m
}()

// familyAlternates lists families that are drop-in alternatives, keyed by
// family prefix. The longest matching prefix wins.
var familyAlternates = map[string][]string{
	"t2": {"t3", "t3a"},
	"t3": {"t4g", "t3a"},
	"m5": {"m6i", "m7i"},
	"m6": {"m5", "m6i", "m7i"},
	"c5": {"c6i", "c7i"},
	"c6": {"c5", "c6i", "c7i"},
	"r5": {"r6i", "r7i"},
	"r6": {"r5", "r6i", "r7i"},
}

// Type is a parsed instance type name.
type Type struct {
	Family string
	Size   string
}

func (t Type) String() string {
	return t.Family + "." + t.Size
}

// Rank returns the position of the size on the ladder, or -1.
func (t Type) Rank() int {
	return SizeRank(t.Size)
}

// Parse splits name into family and size.
func Parse(name string) (Type, error) {
	family, size, ok := strings.Cut(strings.TrimSpace(name), ".")
	if !ok || family == "" || size == "" || strings.Contains(size, ".") {
		return Type{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidInstanceType, name)
	}
	return Type{Family: family, Size: size}, nil
}

// SizeRank returns the ladder position of size, or -1 when unknown
// (metal, or sizes this package does not track).
func SizeRank(size string) int {
	if rank, ok := sizeRank[size]; ok {
		return rank
	}
	return -1
}

// CompatibleFamilies returns family followed by its alternates.
func CompatibleFamilies(family string) []string {
	families := []string{family}

	var best string
	for prefix := range familyAlternates {
		if strings.HasPrefix(family, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return families
	}

	for _, alt := range familyAlternates[best] {
		if alt != family {
			families = append(families, alt)
		}
	}
	return families
}

// Shortlist filters valid down to types whose family starts with a family
// compatible with current, so m5 also admits m5a and m5d. Results are
// ordered by family preference then size. Unparseable names are dropped.
func Shortlist(current string, valid []string) ([]string, error) {
	cur, err := Parse(current)
	if err != nil {
		return nil, err
	}

	families := CompatibleFamilies(cur.Family)
	familyIndex := make(map[string]int, len(families))
	for i, f := range families {
		familyIndex[f] = i
	}

	seen := make(map[string]struct{}, len(valid))
	var candidates []Type
	for _, name := range valid {
		t, err := Parse(name)
		if err != nil {
			continue
		}
		idx, ok := matchFamily(families, t.Family)
		if !ok {
			continue
		}
		familyIndex[t.Family] = idx
		if _, ok := seen[t.String()]; ok {
			continue
		}
		seen[t.String()] = struct{}{}
		candidates = append(candidates, t)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if fa, fb := familyIndex[a.Family], familyIndex[b.Family]; fa != fb {
			return fa < fb
		}
		if ra, rb := sortRank(a), sortRank(b); ra != rb {
			return ra < rb
		}
		return a.Family < b.Family
	})

	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.String())
	}
	return names, nil
}

// matchFamily returns the position in families of the exact family or,
// failing that, of the longest family that prefixes it.
func matchFamily(families []string, family string) (int, bool) {
	best, bestLen := -1, 0
	for i, f := range families {
		if f == family {
			return i, true
		}
		if strings.HasPrefix(family, f) && len(f) > bestLen {
			best, bestLen = i, len(f)
		}
	}
	return best, best >= 0
}

func sortRank(t Type) int {
	if r := t.Rank(); r >= 0 {
		return r
	}
	return len(sizes) + 1
}

// Step picks the nearest size up (or down) from current among candidates.
// The current family is preferred; otherwise the first compatible family in
// candidate order that has a size in the requested direction is used.
func Step(current string, candidates []string, up bool) (string, bool) {
	cur, err := Parse(current)
	if err != nil || cur.Rank() < 0 {
		return "", false
	}

	byFamily := map[string][]Type{}
	var order []string
	for _, name := range candidates {
		t, err := Parse(name)
		if err != nil || t.Rank() < 0 {
			continue
		}
		if _, ok := byFamily[t.Family]; !ok {
			order = append(order, t.Family)
		}
		byFamily[t.Family] = append(byFamily[t.Family], t)
	}

	pick := func(family string) (string, bool) {
		best := -1
		var found Type
		for _, t := range byFamily[family] {
			r := t.Rank()
			if up && r > cur.Rank() && (best < 0 || r < best) {
				best, found = r, t
			}
			if !up && r < cur.Rank() && (best < 0 || r > best) {
				best, found = r, t
			}
		}
		return found.String(), best >= 0
	}

	if name, ok := pick(cur.Family); ok {
		return name, true
	}
	for _, family := range order {
		if family == cur.Family {
			continue
		}
		if name, ok := pick(family); ok {
			return name, true
		}
	}
	return "", false
}

// Comparison describes how desired relates to current.
type Comparison struct {
	SameFamily       bool
	CompatibleFamily bool
	SizeIncrease     bool
	SizeDecrease     bool
	Steps            int
}

// Compare reports family and size relationships. Steps is zero when either
// size is off the ladder.
func Compare(current, desired string) (Comparison, error) {
	cur, err := Parse(current)
	if err != nil {
		return Comparison{}, err
	}
	want, err := Parse(desired)
	if err != nil {
		return Comparison{}, err
	}

	c := Comparison{SameFamily: cur.Family == want.Family}
	for _, f := range CompatibleFamilies(cur.Family) {
		if f == want.Family {
			c.CompatibleFamily = true
			break
		}
	}

	if cur.Rank() >= 0 && want.Rank() >= 0 {
		c.Steps = want.Rank() - cur.Rank()
		c.SizeIncrease = c.Steps > 0
		c.SizeDecrease = c.Steps < 0
	}
	return c, nil
}
