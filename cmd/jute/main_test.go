package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlaneve/jute/config"
	"github.com/jlaneve/jute/kernelspec"
	"github.com/jlaneve/jute/router"
	"github.com/jlaneve/jute/wire"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
		verbose = false
		showFormat = "yaml"
		watchSpecs = false
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute(t, "schema")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "jute configuration", doc["title"])

	out, err = execute(t, "schema", "kernelspec")
	require.NoError(t, err)
	assert.Contains(t, out, `"display_name"`)

	_, err = execute(t, "schema", "notebook")
	assert.Error(t, err)
}

func TestSpecsCommand(t *testing.T) {
	specDir := t.TempDir()
	require.NoError(t, kernelspec.Write(specDir, &kernelspec.Spec{
		Name:        "gophernotes",
		DisplayName: "Go",
		Argv:        []string{"gophernotes", "{connection_file}"},
		Language:    "go",
	}))

	cfgPath := filepath.Join(t.TempDir(), "jute.yaml")
	c := config.Default()
	c.Kernel.SpecPaths = []string{specDir}
	require.NoError(t, config.Save(cfgPath, c))

	out, err := execute(t, "--config", cfgPath, "specs")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "gophernotes")
	assert.Contains(t, out, "signal")
	assert.Contains(t, out, filepath.Join(specDir, "gophernotes"))
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jute.toml")
	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	out, err = execute(t, "--config", path, "config", "show", "--format", "json")
	require.NoError(t, err)
	var shown config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, config.Default(), shown)

	_, err = execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "config", "show")
	assert.Error(t, err)
}

func TestPrintEvent(t *testing.T) {
	tests := []struct {
		name    string
		event   router.Event
		out     string
		errOut  string
		failure bool
	}{
		{
			name:  "stdout",
			event: router.TextOutput{Stream: "stdout", Text: "hi\n"},
			out:   "hi\n",
		},
		{
			name:   "stderr",
			event:  router.TextOutput{Stream: "stderr", Text: "warn\n"},
			errOut: "warn\n",
		},
		{
			name:  "result",
			event: router.Result{ExecutionCount: 3, Data: wire.MIMEBundle{"text/plain": "4"}},
			out:   "Out[3]: 4\n",
		},
		{
			name:  "display without text",
			event: router.Display{DisplayID: "d", Data: wire.MIMEBundle{"image/png": "...", "application/json": "{}"}},
			out:   "<application/json, image/png>\n",
		},
		{
			name:  "display update",
			event: router.DisplayUpdate{DisplayID: "d", Data: wire.MIMEBundle{"text/plain": "50%"}},
			out:   "[d] 50%\n",
		},
		{
			name:    "error",
			event:   router.Error{EName: "ValueError", EValue: "bad"},
			errOut:  "ValueError: bad\n",
			failure: true,
		},
		{
			name:    "error with traceback",
			event:   router.Error{EName: "ValueError", Traceback: []string{"line 1", "ValueError"}},
			errOut:  "line 1\nValueError\n",
			failure: true,
		},
		{
			name:    "disconnect",
			event:   router.Disconnect{Reason: "heartbeat lost"},
			errOut:  "kernel disconnected: heartbeat lost\n",
			failure: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			failure := printEvent(&out, &errOut, tt.event)
			assert.Equal(t, tt.out, out.String())
			assert.Equal(t, tt.errOut, errOut.String())
			assert.Equal(t, tt.failure, failure)
		})
	}
}

func TestPromptInput(t *testing.T) {
	var prompts bytes.Buffer
	input := promptInput(bytes.NewBufferString("Ada\r\nLovelace"), &prompts)

	first, err := input(t.Context(), wire.InputRequest{Prompt: "first: "})
	require.NoError(t, err)
	assert.Equal(t, "Ada", first)

	last, err := input(t.Context(), wire.InputRequest{Prompt: "last: "})
	require.NoError(t, err)
	assert.Equal(t, "Lovelace", last)

	_, err = input(t.Context(), wire.InputRequest{Prompt: "more: "})
	assert.Error(t, err)
	assert.Equal(t, "first: last: more: ", prompts.String())
}
