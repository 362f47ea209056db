// Package compare decides whether two variable snapshots agree.
//
// The comparator is pure: no locking, no I/O. Policy by kind:
//
//   - int, bool, string: exact equality
//   - double and double_vector elements: equality within a configured
//     epsilon; the default epsilon is 0, meaning exact equality
//   - int vs double (scalar or vector): compared numerically, so 1 and 1.0
//     agree; mixed-language pairs rely on this because some encoders drop
//     the fraction from integral doubles
//   - vectors: a length mismatch is itself a diff, otherwise elementwise
//   - a name present on one side only is a diff with the other side missing
//
// Diffs come back name-sorted over the union of names so reports are
// deterministic regardless of submission order.
package compare

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/codetango/codetango/internal/proto"
)

// Options configures the comparison policy.
type Options struct {
	// Epsilon is the tolerance for double comparison. Zero (the default)
	// means exact equality; two NaNs still compare equal so deterministic
	// NaN-producing computations agree with themselves.
	Epsilon float64

	// Relative scales Epsilon by the larger magnitude of the two operands
	// instead of using it as an absolute bound.
	Relative bool

	// NormalizeStrings applies Unicode NFC normalization before comparing
	// strings. Useful when the two programs emit different normal forms of
	// the same text.
	NormalizeStrings bool
}

// Result is the outcome of comparing two snapshots.
type Result struct {
	Diffs []proto.Diff
}

// Match reports whether the snapshots agreed on every variable.
func (r Result) Match() bool {
	return len(r.Diffs) == 0
}

// Snapshots compares two snapshots and returns the per-variable diffs.
// Left and right follow the caller's participant ordering; diffs carry the
// rendered values from each side.
func Snapshots(left, right *proto.Snapshot, opts Options) Result {
	var diffs []proto.Diff
	for _, name := range unionNames(left, right) {
		lv, lok := left.Get(name)
		rv, rok := right.Get(name)

		switch {
		case !lok:
			diffs = append(diffs, proto.Diff{
				Name:   name,
				Left:   proto.Missing,
				Right:  proto.FormatValue(rv),
				Reason: "missing",
			})
		case !rok:
			diffs = append(diffs, proto.Diff{
				Name:   name,
				Left:   proto.FormatValue(lv),
				Right:  proto.Missing,
				Reason: "missing",
			})
		default:
			if equal, reason := valuesEqual(lv, rv, opts); !equal {
				diffs = append(diffs, proto.Diff{
					Name:   name,
					Left:   proto.FormatValue(lv),
					Right:  proto.FormatValue(rv),
					Reason: reason,
				})
			}
		}
	}
	return Result{Diffs: diffs}
}

// unionNames returns the union of both snapshots' variable names, sorted.
func unionNames(left, right *proto.Snapshot) []string {
	seen := make(map[string]struct{}, left.Len()+right.Len())
	var names []string
	for _, n := range left.Names() {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			names = append(names, n)
		}
	}
	for _, n := range right.Names() {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// valuesEqual compares two values under the configured policy.
// When unequal, the returned reason explains the category of disagreement.
func valuesEqual(a, b proto.Value, opts Options) (bool, string) {
	switch av := a.(type) {
	case proto.Int:
		switch bv := b.(type) {
		case proto.Int:
			return scalarResult(int64(av) == int64(bv))
		case proto.Double:
			return scalarResult(doublesEqual(float64(av), float64(bv), opts))
		}
	case proto.Double:
		switch bv := b.(type) {
		case proto.Int:
			return scalarResult(doublesEqual(float64(av), float64(bv), opts))
		case proto.Double:
			return scalarResult(doublesEqual(float64(av), float64(bv), opts))
		}
	case proto.Bool:
		if bv, ok := b.(proto.Bool); ok {
			return scalarResult(av == bv)
		}
	case proto.String:
		if bv, ok := b.(proto.String); ok {
			return scalarResult(stringsEqual(string(av), string(bv), opts))
		}
	case proto.IntVector:
		switch bv := b.(type) {
		case proto.IntVector:
			return intVectorsEqual(av, bv)
		case proto.DoubleVector:
			return doubleVectorsEqual(toDoubles(av), bv, opts)
		}
	case proto.DoubleVector:
		switch bv := b.(type) {
		case proto.IntVector:
			return doubleVectorsEqual(av, toDoubles(bv), opts)
		case proto.DoubleVector:
			return doubleVectorsEqual(av, bv, opts)
		}
	}
	return false, fmt.Sprintf("kind: %s vs %s", proto.Kind(a), proto.Kind(b))
}

func scalarResult(equal bool) (bool, string) {
	if equal {
		return true, ""
	}
	return false, "value"
}

// doublesEqual applies the epsilon policy. Exact equality short-circuits,
// which also makes matching infinities agree; two NaNs agree by decree.
func doublesEqual(a, b float64, opts Options) bool {
	if a == b {
		return true
	}
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	eps := opts.Epsilon
	if eps <= 0 {
		return false
	}
	if opts.Relative {
		eps *= math.Max(math.Abs(a), math.Abs(b))
	}
	return math.Abs(a-b) <= eps
}

func stringsEqual(a, b string, opts Options) bool {
	if opts.NormalizeStrings {
		return norm.NFC.String(a) == norm.NFC.String(b)
	}
	return a == b
}

func intVectorsEqual(a, b proto.IntVector) (bool, string) {
	if len(a) != len(b) {
		return false, fmt.Sprintf("length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			return false, fmt.Sprintf("element %d", i)
		}
	}
	return true, ""
}

func doubleVectorsEqual(a, b proto.DoubleVector, opts Options) (bool, string) {
	if len(a) != len(b) {
		return false, fmt.Sprintf("length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !doublesEqual(a[i], b[i], opts) {
			return false, fmt.Sprintf("element %d", i)
		}
	}
	return true, ""
}

func toDoubles(v proto.IntVector) proto.DoubleVector {
	out := make(proto.DoubleVector, len(v))
	for i, n := range v {
		out[i] = float64(n)
	}
	return out
}
