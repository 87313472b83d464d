package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLaunchdDescriptorRendersProgramArguments(t *testing.T) {
	out, err := LaunchdDescriptor{}.Render(ProcessSpec{
		Program:     "/usr/local/bin/coworker-runtime",
		StateDir:    "/Users/me/.coworker",
		Workers:     3,
		PollSeconds: 2.5,
		WorkerID:    "worker-a",
		RunAtLoad:   true,
		KeepAlive:   true,
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "<?xml"))
	require.Contains(t, out, "<key>Label</key>")
	require.Contains(t, out, "com.antigravity-dev.coworker-runtime")
	require.Contains(t, out, "<string>/usr/local/bin/coworker-runtime</string>")
	require.Contains(t, out, "<string>daemon</string>")
	require.Contains(t, out, "--worker-id")
	require.Contains(t, out, "worker-a")
	require.Contains(t, out, "--workers")
	require.Contains(t, out, "<string>3</string>")
	require.Contains(t, out, "--state-dir")
	require.Contains(t, out, "/Users/me/.coworker")
	require.Contains(t, out, "<true/>")
}

func TestLaunchdDescriptorRejectsEmptyProgram(t *testing.T) {
	_, err := LaunchdDescriptor{}.Render(ProcessSpec{})
	require.Error(t, err)
}
