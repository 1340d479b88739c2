// Package router decides, for a classified item, whether the user is
// notified immediately or the item waits for the next digest.
package router

// Route is the routing decision for a classified item.
type Route string

const (
	// RouteImmediate sends an approval notification right away.
	RouteImmediate Route = "immediate"

	// RouteBatch parks the item for the next digest.
	RouteBatch Route = "batch"
)

// DefaultThreshold is the priority score at or above which an item is
// routed immediately.
const DefaultThreshold = 70

// Decide routes a priority score against a threshold. Pure and
// deterministic: identical inputs always produce the identical branch.
// A threshold <= 0 falls back to DefaultThreshold.
func Decide(score, threshold int) Route {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if score >= threshold {
		return RouteImmediate
	}
	return RouteBatch
}
