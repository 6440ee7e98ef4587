package buildinfo

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	noEnv := func(string) (string, bool) { return "", false }
	noInfo := func() (*debug.BuildInfo, bool) { return nil, false }

	require.Equal(t, "development", detect(noEnv, noInfo))

	env := func(key string) (string, bool) { return " v9.9.9 ", key == EnvVersion }
	require.Equal(t, "v9.9.9", detect(env, noInfo))

	module := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Main: debug.Module{Version: "v1.2.0"}}, true
	}
	require.Equal(t, "v1.2.0", detect(noEnv, module))

	vcs := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main:     debug.Module{Version: "(devel)"},
			Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "0123456789abcdef"}},
		}, true
	}
	require.Equal(t, "dev-0123456789ab", detect(noEnv, vcs))
}
