package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEchoUppercaseStep(t *testing.T) {
	out, err := echoUppercaseStep(context.Background(), nil, []any{"hello"}, nil)
	require.NoError(t, err)
	require.Equal(t, "HELLO", out)
}

func TestEchoUppercaseStepNoArgs(t *testing.T) {
	out, err := echoUppercaseStep(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "", out)
}
