//go:build cgo

package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beaconbot/beacon/internal/core"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	return buf.String()
}

func TestSubscriptionsCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "store:\n  path: " + filepath.Join(dir, "beacon.db") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	out := runCLI(t, "--config", cfgPath, "subscriptions", "add", "github:octo",
		"--channel", "10", "--guild", "1", "--quiet", "-o", "json")
	var added core.Subscription
	require.NoError(t, json.Unmarshal([]byte(out), &added))
	require.Equal(t, "github:octo", added.Resource)
	require.Equal(t, core.FlagQuiet, added.Flags)

	out = runCLI(t, "--config", cfgPath, "subscriptions", "list", "--channel", "10", "-o", "json")
	var listed []core.Subscription
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, core.ID(10), listed[0].ChannelID)

	out = runCLI(t, "--config", cfgPath, "subscriptions", "remove", "--resource", "github:octo", "--channel", "10", "-o", "json")
	var removed removeResult
	require.NoError(t, json.Unmarshal([]byte(out), &removed))
	require.Equal(t, removeResult{Matched: 1, Deleted: 1}, removed)

	out = runCLI(t, "--config", cfgPath, "sessions", "list", "-o", "table")
	require.Contains(t, out, "(no saved sessions)")
}
