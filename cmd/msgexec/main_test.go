package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	for _, tc := range [...]struct {
		strategy string
		want     string
	}{
		{"async", "strategy=async sent=20 replied=16 failed=4\n"},
		{"descriptor", "strategy=descriptor sent=20 replied=16 failed=4\n"},
		{"blocking", "strategy=blocking sent=20 replied=16 failed=4\n"},
		{"async,descriptor", "strategy=async sent=20 replied=16 failed=4\n"},
	} {
		t.Run(tc.strategy, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), []string{
				"--strategy", tc.strategy,
				"--messages", "20",
				"--fail-every", "5",
				"--log-level", "disabled",
			}, &stdout, &stderr)
			require.NoError(t, err, stderr.String())
			require.Equal(t, tc.want, stdout.String())
		})
	}
}

func TestRun_config(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msgexec.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[transport]
url = "memory://?capability=descriptor"
topic = "echo"

[executor]
drain_budget = 2

[notifier]
disabled = true

[log]
level = "warning"
`), 0o600))

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-c", path, "-n", "10"}, &stdout, &stderr))
	require.Equal(t, "strategy=descriptor sent=10 replied=10 failed=0\n", stdout.String())
}

func TestRun_invalid(t *testing.T) {
	for _, args := range [][]string{
		{"--strategy", "carrier-pigeon"},
		{"--messages", "-1"},
		{"--log-level", "chatty"},
		{"--config", filepath.Join(t.TempDir(), "missing.toml")},
		{"extra"},
	} {
		var stdout, stderr bytes.Buffer
		require.Error(t, run(context.Background(), args, &stdout, &stderr), "%v", args)
		require.Empty(t, stdout.String())
	}
}

func TestRun_help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.ErrorIs(t, run(context.Background(), []string{"--help"}, &stdout, &stderr), flag.ErrHelp)
	require.Contains(t, stderr.String(), "--fail-every")
}
