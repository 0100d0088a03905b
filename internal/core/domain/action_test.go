package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAgentAction_ValidShapes(t *testing.T) {
	t.Run("command", func(t *testing.T) {
		a, err := DecodeAgentAction(`{"action": "command", "command": "ls -la", "background": true}`)
		require.NoError(t, err)
		assert.Equal(t, ActionCommand, a.Kind)
		assert.Equal(t, "ls -la", a.Command)
		assert.True(t, a.Background)
	})

	t.Run("write_file", func(t *testing.T) {
		a, err := DecodeAgentAction(`{"action": "write_file", "path": "notes.txt", "content": "hello"}`)
		require.NoError(t, err)
		assert.Equal(t, ActionWriteFile, a.Kind)
		assert.Equal(t, "notes.txt", a.Path)
		assert.Equal(t, "hello", a.Content)
	})

	t.Run("done", func(t *testing.T) {
		a, err := DecodeAgentAction(`{"action": "done", "result": "all set"}`)
		require.NoError(t, err)
		assert.Equal(t, ActionDone, a.Kind)
		assert.Equal(t, "all set", a.Result)
	})
}

func TestDecodeAgentAction_ToleratesWrapping(t *testing.T) {
	wrapped := []string{
		"Sure! Here is the action:\n{\"action\": \"done\", \"result\": \"ok\"}",
		"```json\n{\"action\": \"done\", \"result\": \"ok\"}\n```",
		`{"action": "done", "result": "ok"} trailing prose`,
	}
	for _, raw := range wrapped {
		a, err := DecodeAgentAction(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, ActionDone, a.Kind)
	}
}

func TestDecodeAgentAction_BracesInsideStrings(t *testing.T) {
	a, err := DecodeAgentAction(`{"action": "write_file", "path": "m.json", "content": "{\"nested\": true}"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"nested": true}`, a.Content)
}

func TestDecodeAgentAction_Rejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "let me think about this"},
		{"empty", ""},
		{"unknown action", `{"action": "reboot"}`},
		{"missing required key", `{"action": "command"}`},
		{"empty command", `{"action": "command", "command": ""}`},
		{"extra key", `{"action": "done", "result": "x", "confidence": 0.9}`},
		{"wrong type", `{"action": "command", "command": 42}`},
		{"write_file without content", `{"action": "write_file", "path": "a.txt"}`},
		{"unbalanced braces", `{"action": "done", "result": "x"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeAgentAction(tc.raw)
			assert.ErrorIs(t, err, ErrMalformedAction)
		})
	}
}
