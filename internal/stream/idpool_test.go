package stream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/velonet/internal/protocol"
)

func TestIDPoolExhausts(t *testing.T) {
	p := SidPool(protocol.SidRange{Start: 10, End: 13})
	for want := protocol.Sid(10); want < 13; want++ {
		got, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := p.Next()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestIDPoolConcurrentUnique(t *testing.T) {
	p := MidPool(protocol.MidRange{Start: 1 << 63, End: 1<<64 - 1})
	const workers, each = 8, 1000

	var mu sync.Mutex
	seen := make(map[protocol.Mid]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				id, err := p.Next()
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*each)
}
