//go:build !linux

package metrics

// DefaultProbe returns a stub probe on platforms without native
// sampling support.
func DefaultProbe() SystemProbe {
	return StaticProbe{}
}
