// Package buildinfo reports the version stamped into the binaries.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"pixelagents/internal/config"
)

// EnvVersion overrides the detected version, for custom builds.
const EnvVersion = "PIXEL_AGENTS_VERSION"

// Version may be set at link time with -ldflags "-X pixelagents/internal/buildinfo.Version=v1.2.3".
var Version string

var (
	versionOnce   sync.Once
	cachedVersion string
)

// AppVersion returns the best-effort version. The lookup order is the link-time
// value, $PIXEL_AGENTS_VERSION, Go build information, and finally "development".
func AppVersion() string {
	versionOnce.Do(func() {
		cachedVersion = detect(config.DefaultEnvLookup, debug.ReadBuildInfo)
	})
	return cachedVersion
}

func detect(lookup config.EnvLookup, readBuildInfo func() (*debug.BuildInfo, bool)) string {
	if v := strings.TrimSpace(Version); v != "" {
		return v
	}
	if lookup != nil {
		if v, ok := lookup(EnvVersion); ok {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		}
	}
	if info, ok := readBuildInfo(); ok && info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				rev := setting.Value
				if len(rev) > 12 {
					rev = rev[:12]
				}
				return fmt.Sprintf("dev-%s", rev)
			}
		}
	}
	return "development"
}
