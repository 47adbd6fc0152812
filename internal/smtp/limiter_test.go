package smtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionLimiter(t *testing.T) {
	t.Run("并发连接上限", func(t *testing.T) {
		l := NewConnectionLimiter(2, 0)
		assert.True(t, l.Acquire())
		assert.True(t, l.Acquire())
		assert.False(t, l.Acquire())
		assert.Equal(t, 2, l.Current())

		l.Release()
		assert.True(t, l.Acquire())
	})

	t.Run("新建速率上限", func(t *testing.T) {
		l := NewConnectionLimiter(0, 3)
		for i := 0; i < 3; i++ {
			assert.True(t, l.Acquire())
		}
		assert.False(t, l.Acquire())
	})

	t.Run("Release 不会减到负数", func(t *testing.T) {
		l := NewConnectionLimiter(1, 0)
		l.Release()
		assert.Equal(t, 0, l.Current())
	})
}
