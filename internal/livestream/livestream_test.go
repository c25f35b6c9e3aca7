package livestream

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateStreamKey(t *testing.T) {
	key := generateStreamKey()
	assert.Len(t, key, 32)

	_, err := hex.DecodeString(key)
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		k := generateStreamKey()
		_, dup := seen[k]
		require.False(t, dup, "stream keys must not repeat")
		seen[k] = struct{}{}
	}
}
