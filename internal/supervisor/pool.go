package supervisor

import (
	"sync"
)

// runPool starts n goroutines draining deliveries off in, each calling
// handle for every delivery it receives, until in closes. It returns a
// function that blocks until every goroutine has returned, giving a
// bounded pool of size n whose workers process distinct deliveries
// concurrently.
func runPool[D any](n int, in <-chan D, handle func(D)) (wait func()) {
	var wg sync.WaitGroup

	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()

			for d := range in {
				handle(d)
			}
		}()
	}

	return wg.Wait
}
