package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandArgs(t *testing.T) {
	tests := [][]string{
		{},
		{"8080", "8081"},
		{"0"},
		{"65536"},
		{"port"},
		{"--backend", "netpoll", "8080"},
		{"--max-size", "0", "8080"},
	}

	for _, args := range tests {
		cmd := newCommand()
		cmd.SetArgs(args)
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)

		assert.Error(t, cmd.Execute(), "%v", args)
	}
}

func TestCommandFlags(t *testing.T) {
	cmd := newCommand()

	for _, name := range []string{
		"host", "max-size", "backend", "read-timeout", "write-timeout",
		"max-conns", "reuse-port", "shutdown-timeout", "verbose",
	} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}

	assert.Equal(t, "127.0.0.1", cmd.Flags().Lookup("host").DefValue)
	assert.Equal(t, "16777216", cmd.Flags().Lookup("max-size").DefValue)
}
