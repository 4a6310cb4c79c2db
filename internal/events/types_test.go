package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "output:s-1", OutputKey("s-1"))
	assert.Equal(t, "todo:s-1", TodoKey("s-1"))
	assert.Equal(t, "plan:s-1", PlanKey("s-1"))
	assert.Equal(t, "tool:s-1", ToolKey("s-1"))
	assert.Equal(t, "result:s-1", ResultKey("s-1"))
	assert.Equal(t, "error:s-1", ErrorKey("s-1"))
	assert.Equal(t, "status:s-1", StatusKey("s-1"))
}

func TestSplitKey(t *testing.T) {
	kind, sessionID, err := SplitKey("output:s-abc")
	require.NoError(t, err)
	assert.Equal(t, "output", kind)
	assert.Equal(t, "s-abc", sessionID)

	t.Run("malformed", func(t *testing.T) {
		for _, key := range []string{"", "output", ":s-1", "output:"} {
			_, _, err := SplitKey(key)
			assert.Error(t, err, "key %q", key)
		}
	})
}
