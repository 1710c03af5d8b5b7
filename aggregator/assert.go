package aggregator

import "fmt"

// assertf panics on violation of an internal invariant — bisection's
// right-left=1 postcondition, nextEligibilityDelay bounds — per
// spec.md §7: "assertion failures are fatal — they indicate programmer
// error."
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("aggregator: invariant violated: "+format, args...))
	}
}
