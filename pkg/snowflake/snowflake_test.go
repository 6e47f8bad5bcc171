package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDGenerator(t *testing.T) {
	t.Run("NodeRange", func(t *testing.T) {
		_, err := NewIDGenerator(-1)
		assert.Error(t, err)

		_, err = NewIDGenerator(1024)
		assert.Error(t, err)

		gen, err := NewIDGenerator(1023)
		require.NoError(t, err)
		assert.Equal(t, int64(1023), NodeID(gen.NextID()))
	})

	t.Run("ConcurrentUnique", func(t *testing.T) {
		gen, err := NewIDGenerator(7)
		require.NoError(t, err)

		const workers, perWorker = 8, 500
		var mu sync.Mutex
		seen := make(map[string]struct{}, workers*perWorker)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					id := gen.NextOrderID()
					mu.Lock()
					seen[id] = struct{}{}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, workers*perWorker)
	})

	t.Run("TimeIsRecent", func(t *testing.T) {
		gen, err := NewIDGenerator(1)
		require.NoError(t, err)

		issued := Time(gen.NextID())
		assert.WithinDuration(t, time.Now(), issued, 2*time.Second)
	})
}
