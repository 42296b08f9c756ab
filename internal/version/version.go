// Package version reports the build of the running agent. The values are
// set with -ldflags "-X .../internal/version.Version=...".
package version

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	Version = "dev"
	Commit  = ""
)

// GetVersion returns the agent version
func GetVersion() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, Commit)
}

// Code packs a major.minor.patch version into the 32-bit form reported as
// updatedBy in job status: major<<24 | minor<<16 | patch. Unparseable
// versions yield 0.
func Code(v string) uint32 {
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	if len(parts) != 3 {
		return 0
	}

	var code uint32
	limits := []uint64{0xff, 0xff, 0xffff}
	shifts := []uint{24, 16, 0}
	for i, p := range parts {
		if j := strings.IndexAny(p, "-+"); j >= 0 {
			p = p[:j]
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || n > limits[i] {
			return 0
		}
		code |= uint32(n) << shifts[i]
	}
	return code
}
