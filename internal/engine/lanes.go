package engine

import (
	"context"
	"sync"
)

// laneTask is one unit of work queued on a lane. Its done channel closes when
// the task finishes, releasing the next task in FIFO order.
type laneTask struct {
	done chan struct{}
}

// laneTable keys lanes by name ("server" or "session:<id>"). A lane is just
// its current tail task: each enqueue swaps the tail atomically and waits on
// the previous one, which yields strict FIFO execution per lane. Empty lanes
// are removed by the finishing task, but only if it still holds the tail
// ("replace if I am still the tail"), so a stale task can never orphan a
// lane that has new work queued.
type laneTable struct {
	mu    sync.Mutex
	lanes map[string]*laneTask
}

func newLaneTable() *laneTable {
	return &laneTable{lanes: make(map[string]*laneTask)}
}

// Enqueue appends a task to the lane and returns a wait function that blocks
// until the task is at the head, and a release function that completes the
// task and cleans the lane if it is still the tail. Release must be called
// exactly once, whether or not the wait succeeded.
func (t *laneTable) Enqueue(lane string) (wait func(ctx context.Context) error, release func()) {
	t.mu.Lock()
	prev := t.lanes[lane]
	task := &laneTask{done: make(chan struct{})}
	t.lanes[lane] = task
	t.mu.Unlock()

	wait = func(ctx context.Context) error {
		if prev == nil {
			return nil
		}
		select {
		case <-prev.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			finish := func() {
				close(task.done)
				t.mu.Lock()
				if t.lanes[lane] == task {
					delete(t.lanes, lane)
				}
				t.mu.Unlock()
			}
			if prev == nil {
				finish()
				return
			}
			select {
			case <-prev.done:
				finish()
			default:
				// Abandoned before reaching the head: completing now would let
				// the successor overtake the predecessor. Chain the release
				// behind the predecessor instead.
				go func() {
					<-prev.done
					finish()
				}()
			}
		})
	}
	return wait, release
}

// Len reports the number of live lanes, for observability.
func (t *laneTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lanes)
}
