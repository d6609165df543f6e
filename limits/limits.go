// Package limits holds the system-wide resource limits fixed at
// bootstrap.
package limits

// Syslimit_t tracks system-wide resource limits.
type Syslimit_t struct {
	// most processes the kernel will admit
	Sysprocs int
	// most pages any one heap may span
	Heappages int
	// total user heap pages across all processes; derived from the
	// physical memory actually present
	Totalheappages int
	// most swap slots addressable by a 20-bit slot index
	Swapslots int
}

// MkSyslimit returns the limits for a machine with rampages of physical
// memory.
func MkSyslimit(rampages int) *Syslimit_t {
	return &Syslimit_t{
		Sysprocs:       1e4,
		Heappages:      2048,
		Totalheappages: 4 * rampages,
		Swapslots:      1<<20 - 1,
	}
}
