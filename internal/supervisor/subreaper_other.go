//go:build !linux

package supervisor

// setChildSubreaper is linux-only; elsewhere only direct children are
// reaped, which is still correct for everything we spawn ourselves.
func setChildSubreaper() error { return nil }
