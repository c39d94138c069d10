package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfigFile writes a minimal valid config file and returns its path.
// Everything except the two settings without defaults comes from
// config.ApplyDefaults.
func writeConfigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skymatch.yaml")
	content := "database:\n  user: skymatch\nassociation:\n  theta: 0.025\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// execute runs the root command with the given arguments and returns stdout
// and stderr.
func execute(t *testing.T, deps Dependencies, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCommand(deps)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestNewRootCommand_Structure(t *testing.T) {
	cmd := NewRootCommand(Dependencies{})

	assert.Equal(t, "skymatch", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"associate", "sources", "migrate", "version"} {
		assert.True(t, names[want], "subcommand %q should be registered", want)
	}
}

func TestNewRootCommand_GlobalFlags(t *testing.T) {
	cmd := NewRootCommand(Dependencies{})
	pf := cmd.PersistentFlags()

	for _, name := range []string{"config", "log-level", "output", "verbose", "no-color", "timeout"} {
		assert.NotNil(t, pf.Lookup(name), "persistent flag %q should exist", name)
	}

	verbose := pf.Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)

	output := pf.Lookup("output")
	require.NotNil(t, output)
	assert.Equal(t, "o", output.Shorthand)
	assert.Equal(t, "text", output.DefValue)
}

func TestRootCommand_VersionRunsWithoutConfig(t *testing.T) {
	// No --config and no fake backends: version must still work because
	// persistentPreRun skips initialization for it.
	out, _, err := execute(t, Dependencies{}, "version")

	require.NoError(t, err)
	assert.Contains(t, out, "skymatch "+Version)
	assert.Contains(t, out, "commit: "+GitCommit)
	assert.Contains(t, out, "go:")
}

func TestRootCommand_MissingConfigFileFails(t *testing.T) {
	_, _, err := execute(t, Dependencies{},
		"--config", filepath.Join(t.TempDir(), "absent.yaml"),
		"associate", "--dataset", "1", "--image", "7")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "config initialization failed")
}

func TestRootCommand_InvalidConfigFails(t *testing.T) {
	// theta missing: validation must reject the file before any command runs.
	path := filepath.Join(t.TempDir(), "skymatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  user: skymatch\n"), 0o600))

	_, _, err := execute(t, Dependencies{},
		"--config", path,
		"associate", "--dataset", "1", "--image", "7")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "association.theta")
}

func TestCommandNeedsConfig(t *testing.T) {
	needs := &cobra.Command{Use: "associate"}
	assert.True(t, commandNeedsConfig(needs))

	version := &cobra.Command{Use: "version"}
	assert.False(t, commandNeedsConfig(version))

	// "version" is only config-free at the root level; the same name nested
	// under migrate still needs a database connection.
	root := &cobra.Command{Use: "skymatch"}
	migrate := &cobra.Command{Use: "migrate"}
	migrateVersion := &cobra.Command{Use: "version"}
	migrate.AddCommand(migrateVersion)
	root.AddCommand(migrate, version)
	assert.False(t, commandNeedsConfig(version))
	assert.True(t, commandNeedsConfig(migrateVersion))

	completion := &cobra.Command{Use: "completion"}
	bash := &cobra.Command{Use: "bash"}
	completion.AddCommand(bash)
	assert.False(t, commandNeedsConfig(completion))
	assert.False(t, commandNeedsConfig(bash))
}

func TestGetCLIContext(t *testing.T) {
	t.Run("nil context", func(t *testing.T) {
		cmd := &cobra.Command{}
		_, err := GetCLIContext(cmd)
		require.Error(t, err)
	})

	t.Run("context without CLI state", func(t *testing.T) {
		cmd := &cobra.Command{}
		cmd.SetContext(context.Background())
		_, err := GetCLIContext(cmd)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not initialized")
	})

	t.Run("initialized", func(t *testing.T) {
		cmd := &cobra.Command{}
		want := &CLIContext{OutputFormat: "json"}
		cmd.SetContext(context.WithValue(context.Background(), cliContextKey{}, want))
		got, err := GetCLIContext(cmd)
		require.NoError(t, err)
		assert.Same(t, want, got)
	})
}

func TestFormatTable(t *testing.T) {
	out := FormatTable(
		[]string{"ID", "NAME"},
		[][]string{{"1", "alpha"}, {"22", "b"}},
	)

	want := "ID  NAME \n" +
		"--  -----\n" +
		"1   alpha\n" +
		"22  b    \n"
	assert.Equal(t, want, out)
}

func TestFormatTable_Empty(t *testing.T) {
	assert.Empty(t, FormatTable(nil, nil))

	// Headers only still renders the header and separator rows.
	out := FormatTable([]string{"A"}, nil)
	assert.Equal(t, "A\n-\n", out)
}

func TestPrintHelpers(t *testing.T) {
	cmd := &cobra.Command{}
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)

	PrintSuccess(cmd, "done")
	assert.Equal(t, "OK: done\n", out.String())

	PrintError(cmd, assert.AnError)
	assert.Contains(t, errOut.String(), "Error: ")

	errOut.Reset()
	PrintError(cmd, nil)
	assert.Empty(t, errOut.String())
}
