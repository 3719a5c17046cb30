package utils

import "sync"

type Job[T any] struct {
	Index int
	Value T
}

type CompletedTask[T any] struct {
	Index  int
	Result T
	Error  error
}

// RunInPool drains queue with at most maxWorkers goroutines and closes
// completed once every job has been handled. Results arrive in completion order.
func RunInPool[In any, Out any](worker func(In) (Out, error), queue chan Job[In], completed chan CompletedTask[Out], maxWorkers int) {
	workers := max(min(len(queue), maxWorkers), 1)

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for job := range queue {
					res, err := worker(job.Value)
					completed <- CompletedTask[Out]{Index: job.Index, Result: res, Error: err}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}

// RunAll runs worker over items and blocks until all of them are done. The
// returned slice is in input order.
func RunAll[In any, Out any](items []In, worker func(In) (Out, error), maxWorkers int) []CompletedTask[Out] {
	queue := make(chan Job[In], len(items))
	for i, item := range items {
		queue <- Job[In]{Index: i, Value: item}
	}
	close(queue)

	completed := make(chan CompletedTask[Out], len(items))
	RunInPool(worker, queue, completed, maxWorkers)

	results := make([]CompletedTask[Out], len(items))
	for done := range completed {
		results[done.Index] = done
	}
	return results
}
