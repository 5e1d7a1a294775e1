package collect

import (
	"context"

	"github.com/shirou/gopsutil/v3/host"
)

// HostInfo returns the kernel build and platform version strings used
// as the stable device context in every signature. Failures degrade to
// "unknown" — a missing build string must not change fingerprints
// between runs that both fail the same way.
func HostInfo(ctx context.Context) (build, version string) {
	info, err := host.InfoWithContext(ctx)
	if err != nil || info == nil {
		return "unknown", "unknown"
	}
	build = info.KernelVersion
	if build == "" {
		build = "unknown"
	}
	version = info.Platform + " " + info.PlatformVersion
	if version == " " {
		version = "unknown"
	}
	return build, version
}
