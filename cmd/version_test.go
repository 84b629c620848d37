package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/Plarpoon/Red/red"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := red.Version
	originalCommitSHA := red.CommitSHA
	originalBuildTime := red.BuildTime

	t.Cleanup(
		func() {
			red.Version = originalVersion
			red.CommitSHA = originalCommitSHA
			red.BuildTime = originalBuildTime
		},
	)

	red.Version = "1.0.0"
	red.CommitSHA = "abc123"
	red.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		red.Version,
		red.CommitSHA,
		red.BuildTime,
	)
	assert.Equal(t, expected, output)
}
