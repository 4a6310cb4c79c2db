package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "'hello'"},
		{"spaces", "hello world", "'hello world'"},
		{"single quote", "it's", `'it'\''s'`},
		{"injection attempt", "'; rm -rf /; '", `''\''; rm -rf /; '\'''`},
		{"dollar stays literal", "$HOME", "'$HOME'"},
		{"backticks stay literal", "`id`", "'`id`'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := shellQuote(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShellQuote_RejectsNullByte(t *testing.T) {
	_, err := shellQuote("bad\x00value")
	assert.Error(t, err)
}

func TestHeredocWriteCommand_QuotedDelimiter(t *testing.T) {
	content := `{"env": {"path": "$HOME/bin"}}`
	cmd, err := heredocWriteCommand("/tmp/config.json", content)
	require.NoError(t, err)

	// The quoted delimiter disables expansion: $HOME must appear literally
	// in the body and the heredoc must open with <<'…'.
	assert.Contains(t, cmd, "<<'BATON_EOF'")
	assert.Contains(t, cmd, "$HOME/bin")
	assert.True(t, strings.HasSuffix(cmd, "BATON_EOF\n"))
}

func TestHeredocWriteCommand_DelimiterCollision(t *testing.T) {
	content := "before\nBATON_EOF\nafter"
	cmd, err := heredocWriteCommand("/tmp/f", content)
	require.NoError(t, err)

	// The delimiter must not appear inside the body.
	assert.Contains(t, cmd, "<<'BATON_EOF_X'")
}

func TestHeredocWriteCommand_RejectsNullByte(t *testing.T) {
	_, err := heredocWriteCommand("/tmp/f", "a\x00b")
	assert.Error(t, err)
}

func TestHeredocWriteCommand_QuotesPath(t *testing.T) {
	cmd, err := heredocWriteCommand("/tmp/my file'.json", "{}")
	require.NoError(t, err)
	assert.Contains(t, cmd, `'/tmp/my file'\''.json'`)
}
