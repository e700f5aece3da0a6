package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLrukNode(t *testing.T) {
	t.Run("reports k-access threshold", func(t *testing.T) {
		node := &lrukNode{}
		assert.False(t, node.hasKAccess(3))

		node.accessCount = 2
		assert.False(t, node.hasKAccess(3))

		node.accessCount = 3
		assert.True(t, node.hasKAccess(3))

		node.accessCount = 4
		assert.True(t, node.hasKAccess(3))
	})
}
