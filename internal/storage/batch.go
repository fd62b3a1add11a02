package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchResult contains the outcome of a batch operation.
type BatchResult struct {
	Done   []string
	Errors map[string]error
}

// DeleteBatch deletes objects with at most concurrency deletes in flight.
// A failure on one object does not stop the others.
func DeleteBatch(ctx context.Context, store ObjectStorage, objectPaths []string, concurrency int) *BatchResult {
	return runBatch(ctx, objectPaths, concurrency, func(path string) error {
		return store.Delete(ctx, path)
	})
}

func runBatch(ctx context.Context, objectPaths []string, concurrency int, op func(path string) error) *BatchResult {
	if concurrency < 1 {
		concurrency = 1
	}
	result := &BatchResult{Errors: make(map[string]error)}
	sem := semaphore.NewWeighted(int64(concurrency))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, p := range objectPaths {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			err := op(path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.Done = append(result.Done, path)
		}(p)
	}

	wg.Wait()
	return result
}
