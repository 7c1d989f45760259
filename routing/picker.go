package routing

import (
	"math/rand"
	"sort"
)

// AlternativePicker chooses a substitute queue when the resolved target is
// unhealthy or overloaded. It is injectable so tests can make the choice
// deterministic.
type AlternativePicker interface {
	// Pick selects one of the candidate queues. Candidates is never empty.
	Pick(candidates []string) string
}

// RandomPicker selects uniformly at random. The candidate slice is sorted
// first so the distribution does not depend on map iteration order.
type RandomPicker struct {
	// Rand allows seeding; nil uses the global source.
	Rand *rand.Rand
}

// Pick implements AlternativePicker.
func (p RandomPicker) Pick(candidates []string) string {
	sorted := make([]string, len(candidates))
	copy(sorted, candidates)
	sort.Strings(sorted)
	if p.Rand != nil {
		return sorted[p.Rand.Intn(len(sorted))]
	}
	return sorted[rand.Intn(len(sorted))]
}

// FirstPicker deterministically selects the lexicographically first
// candidate. Used in tests and anywhere reproducible rerouting matters.
type FirstPicker struct{}

// Pick implements AlternativePicker.
func (FirstPicker) Pick(candidates []string) string {
	sorted := make([]string, len(candidates))
	copy(sorted, candidates)
	sort.Strings(sorted)
	return sorted[0]
}
