package ingestor

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCommandPrintsBuildMetadata(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	old := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = old }()

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	w.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Contains(t, string(out), "version: ")
	require.Contains(t, string(out), "commit: ")
}
