package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var km keyedMutex
	var mu sync.Mutex
	counters := map[string]int{}
	var inFlight int
	maxInFlight := 0

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		key := "a"
		if i%2 == 1 {
			key = "b"
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			unlock := km.lock(key)
			defer unlock()

			mu.Lock()
			counters[key]++
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			mu.Lock()
			inFlight--
			mu.Unlock()
		}(key)
	}
	wg.Wait()

	assert.Equal(t, 16, counters["a"])
	assert.Equal(t, 16, counters["b"])
	assert.LessOrEqual(t, maxInFlight, 2, "at most one holder per key may run at once")
}

func TestKeyedMutexCleansUpEntries(t *testing.T) {
	var km keyedMutex
	unlock := km.lock("k")
	unlock()

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks, "released keys must not accumulate")
}
