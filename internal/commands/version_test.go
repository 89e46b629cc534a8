package commands

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const builtWithPrefix = "Built with "

func TestNewVersionCommand(t *testing.T) {
	buildLine := builtWithPrefix + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH + "\n"

	tests := []struct {
		name           string
		version        string
		expectedOutput string
	}{
		{
			name:           "development version",
			version:        "dev",
			expectedOutput: "dvid version dev\n" + buildLine,
		},
		{
			name:           "release version",
			version:        "v1.2.3",
			expectedOutput: "dvid version v1.2.3\n" + buildLine,
		},
		{
			name:           "empty version",
			version:        "",
			expectedOutput: "dvid version \n" + buildLine,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewVersionCommand(tt.version)
			require.NotNil(t, cmd)

			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetArgs([]string{})
			require.NoError(t, cmd.Execute())

			assert.Equal(t, tt.expectedOutput, out.String())
		})
	}
}

func TestVersionCommandStructure(t *testing.T) {
	cmd := NewVersionCommand("v1.0.0")

	assert.Equal(t, "version", cmd.Use)
	assert.Equal(t, "Show version information", cmd.Short)
	assert.Equal(t, "Display version information for the dvid client", cmd.Long)
	assert.NotNil(t, cmd.Run)
}

func TestRootVersionFlag(t *testing.T) {
	cmd := NewRootCommand("v0.4.0")

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "dvid version v0.4.0\n", out.String())
}
