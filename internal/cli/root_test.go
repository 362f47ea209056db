package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "codetango", cmd.Use)
	assert.Contains(t, cmd.Long, "barrier")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "validate", "trace"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	planFlag := runCmd.Flags().Lookup("plan")
	require.NotNil(t, planFlag)
	assert.Equal(t, "", planFlag.DefValue)

	timeoutFlag := runCmd.Flags().Lookup("timeout")
	require.NotNil(t, timeoutFlag)
	assert.Equal(t, "60", timeoutFlag.DefValue)

	epsilonFlag := runCmd.Flags().Lookup("epsilon")
	require.NotNil(t, epsilonFlag)
	assert.Equal(t, "0", epsilonFlag.DefValue)

	keepGoingFlag := runCmd.Flags().Lookup("keep-going")
	require.NotNil(t, keepGoingFlag)
	assert.Equal(t, "false", keepGoingFlag.DefValue)

	journalFlag := runCmd.Flags().Lookup("journal")
	require.NotNil(t, journalFlag)
	assert.Equal(t, "", journalFlag.DefValue)
}

func TestTraceCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	traceCmd, _, err := cmd.Find([]string{"trace"})
	require.NoError(t, err)

	journalFlag := traceCmd.Flags().Lookup("journal")
	require.NotNil(t, journalFlag)
	// --journal is required, so default is empty
	assert.Equal(t, "", journalFlag.DefValue)

	listFlag := traceCmd.Flags().Lookup("list")
	require.NotNil(t, listFlag)
	assert.Equal(t, "false", listFlag.DefValue)

	limitFlag := traceCmd.Flags().Lookup("limit")
	require.NotNil(t, limitFlag)
	assert.Equal(t, "20", limitFlag.DefValue)
}

func TestFormatValidation(t *testing.T) {
	// Test valid formats
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	// Test invalid formats
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "validate", "plan.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
