package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const invoiceYAML = "definitions:\n  - key: invoice\n    steps: [review, pay]\n"

// useTempDatabase points the configuration at a fresh SQLite file.
func useTempDatabase(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "conductor.db")
	t.Setenv("CONDUCTOR_DATABASE_DSN", dsn)
	return dsn
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// response decodes a JSON CLI response with a typed payload.
type response[T any] struct {
	Status string    `json:"status"`
	Data   T         `json:"data"`
	Error  *CLIError `json:"error"`
}

func decode[T any](t *testing.T, out string) response[T] {
	t.Helper()
	var r response[T]
	require.NoError(t, json.Unmarshal([]byte(out), &r), "output: %s", out)
	return r
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}
