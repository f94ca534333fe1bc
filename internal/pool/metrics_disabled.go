//go:build !urp.pool.metrics

package pool

// metrics no-ops hit and miss tracking.
type metrics struct{}

func (m *metrics) hit() {}

func (m *metrics) miss() {}

// Hits always returns 0, 0.
// To enable tracking metrics, build with the tag "urp.pool.metrics".
func (m *metrics) Hits() (hits, total uint64) {
	return 0, 0
}
