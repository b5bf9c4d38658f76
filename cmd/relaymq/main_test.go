package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/relaymq/config"
)

func TestParseHeaders(t *testing.T) {
	headers, err := parseHeaders([]string{"tenant=acme", "trace=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tenant": "acme", "trace": "a=b"}, headers)

	headers, err = parseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, headers)

	_, err = parseHeaders([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseHeaders([]string{"=x"})
	assert.Error(t, err)
}

func TestDecodeArgument(t *testing.T) {
	assert.Equal(t, map[string]any{"id": float64(7)}, decodeArgument([]byte(`{"id":7}`)))
	assert.Equal(t, "hello world", decodeArgument([]byte("hello world\n")))
}

func TestMessageBody(t *testing.T) {
	body, err := messageBody([]string{"arg"}, strings.NewReader("stdin"))
	require.NoError(t, err)
	assert.Equal(t, "arg", string(body))

	body, err = messageBody(nil, strings.NewReader("stdin"))
	require.NoError(t, err)
	assert.Equal(t, "stdin", string(body))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "queue", "orders")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"queue":"orders"`)

	_, err = newLogger(config.LoggingConfig{Level: "loud", Format: "text"}, &buf)
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	root := newRootCommand()

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"produce", "consume", "declare", "health"})

	root.SetArgs([]string{"consume"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.Execute(), "consume needs at least one queue")
}
