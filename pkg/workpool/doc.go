// Package workpool runs a fixed pool of workers over a stream of tasks and
// streams their results back in completion order.
//
// The pool is meant for CPU-bound stages sitting behind an I/O stage: the
// I/O stage sends tasks on a channel, the pool's workers pick them up as
// they become free, and the caller collects results as each task finishes.
//
// Example usage:
//
//	pool := workpool.New(analyze, workpool.Config{Workers: runtime.NumCPU()}, logger)
//	for res := range pool.Run(ctx, tasks) {
//		if res.Err != nil {
//			// log and skip res.Task
//			continue
//		}
//		// use res.Value
//	}
//
// The pool:
//   - Starts Workers goroutines that read from the task channel
//   - Sends one Result per task, in completion order
//   - Closes the result channel once the task channel is closed and drained,
//     or once ctx is done
//
// Producers must stop sending when ctx is done; workers stop reading then.
package workpool
