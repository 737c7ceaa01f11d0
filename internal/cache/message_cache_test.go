package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glimte/conduit-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(id string) *contracts.Response {
	resp, _ := contracts.NewSuccessResponse(id, id)
	return resp
}

func TestMessageCache(t *testing.T) {
	t.Run("returns stored responses", func(t *testing.T) {
		c := NewMessageCache(10, time.Minute)
		defer c.Destroy()

		c.Set("m-1", response("m-1"))
		got, ok := c.Get("m-1")
		require.True(t, ok)
		assert.Equal(t, "m-1", got.MessageID)

		_, ok = c.Get("missing")
		assert.False(t, ok)

		hits, misses := c.Stats()
		assert.Equal(t, uint64(1), hits)
		assert.Equal(t, uint64(1), misses)
	})

	t.Run("evicts oldest beyond max size", func(t *testing.T) {
		c := NewMessageCache(3, time.Minute)
		defer c.Destroy()

		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("m-%d", i)
			c.Set(id, response(id))
		}

		assert.Equal(t, 3, c.Len())
		for _, id := range []string{"m-0", "m-1"} {
			_, ok := c.Get(id)
			assert.False(t, ok, id)
		}
		for _, id := range []string{"m-2", "m-3", "m-4"} {
			_, ok := c.Get(id)
			assert.True(t, ok, id)
		}
	})

	t.Run("re-setting an id makes it newest", func(t *testing.T) {
		c := NewMessageCache(2, time.Minute)
		defer c.Destroy()

		c.Set("a", response("a"))
		c.Set("b", response("b"))
		c.Set("a", response("a"))
		c.Set("c", response("c"))

		_, ok := c.Get("b")
		assert.False(t, ok)
		_, ok = c.Get("a")
		assert.True(t, ok)
	})

	t.Run("expired entries are absent before sweep", func(t *testing.T) {
		c := NewMessageCache(10, 50*time.Millisecond)
		defer c.Destroy()

		c.Set("m-1", response("m-1"))
		time.Sleep(80 * time.Millisecond)

		_, ok := c.Get("m-1")
		assert.False(t, ok)
	})

	t.Run("sweep removes expired entries", func(t *testing.T) {
		c := NewMessageCache(10, 30*time.Millisecond)
		defer c.Destroy()

		c.Set("m-1", response("m-1"))
		c.Set("m-2", response("m-2"))

		assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("destroy clears and is idempotent", func(t *testing.T) {
		c := NewMessageCache(10, time.Minute)
		c.Set("m-1", response("m-1"))

		c.Destroy()
		c.Destroy()

		assert.Equal(t, 0, c.Len())
	})

	t.Run("concurrent access", func(t *testing.T) {
		c := NewMessageCache(100, time.Minute)
		defer c.Destroy()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					id := fmt.Sprintf("m-%d-%d", i, j)
					c.Set(id, response(id))
					c.Get(id)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 100, c.Len())
	})
}
