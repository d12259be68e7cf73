package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"serve", "call"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestCallFlags(t *testing.T) {
	cmd := newRootCommand()
	callCmd, _, err := cmd.Find([]string{"call"})
	require.NoError(t, err)
	flag := callCmd.Flags().Lookup("timeout")
	require.NotNil(t, flag)
	assert.Equal(t, (10 * time.Second).String(), flag.DefValue)

	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serveCmd.Flags().Lookup("addr"))
}

func TestParseArg(t *testing.T) {
	assert.Equal(t, json.RawMessage(`{"a":1}`), parseArg(`{"a":1}`))
	assert.Equal(t, json.RawMessage(`42`), parseArg(`42`))
	assert.Equal(t, "acme", parseArg("acme"))
}
