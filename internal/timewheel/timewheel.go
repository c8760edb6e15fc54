package timewheel

import (
	"sync"
	"time"
)

type Task struct {
	ID      string
	Rounds  int
	Execute func()
}

// TimeWheel is a hashed timing wheel. A task added with delay d fires on the
// tick at or after d, rounded up to the wheel's tick.
type TimeWheel struct {
	tick       time.Duration
	wheelSize  int
	slots      []map[string]*Task
	currentPos int
	mu         sync.Mutex

	cancelMap map[string]int // taskID -> slot

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewTimeWheel(tick time.Duration, wheelSize int) *TimeWheel {
	if wheelSize <= 0 {
		wheelSize = 1
	}
	slots := make([]map[string]*Task, wheelSize)
	for i := range slots {
		slots[i] = make(map[string]*Task)
	}

	return &TimeWheel{
		tick:      tick,
		slots:     slots,
		wheelSize: wheelSize,
		cancelMap: make(map[string]int),
		stopChan:  make(chan struct{}),
	}
}

// AddTask schedules fn under id. A task already scheduled under the same id is replaced.
func (tw *TimeWheel) AddTask(id string, delay time.Duration, fn func()) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.removeLocked(id)

	ticks := int((delay + tw.tick - 1) / tw.tick)
	if ticks < 1 {
		ticks = 1
	}
	pos := (tw.currentPos + ticks) % tw.wheelSize
	task := &Task{
		ID:      id,
		Rounds:  (ticks - 1) / tw.wheelSize,
		Execute: fn,
	}

	tw.slots[pos][id] = task
	tw.cancelMap[id] = pos
}

// RemoveTask cancels id. It reports whether the task was still pending; false
// means it already fired (or never existed).
func (tw *TimeWheel) RemoveTask(id string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.removeLocked(id)
}

func (tw *TimeWheel) Len() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return len(tw.cancelMap)
}

func (tw *TimeWheel) removeLocked(id string) bool {
	slot, ok := tw.cancelMap[id]
	if !ok {
		return false
	}
	delete(tw.slots[slot], id)
	delete(tw.cancelMap, id)
	return true
}

func (tw *TimeWheel) Start() {
	tw.wg.Add(1)
	go func() {
		defer tw.wg.Done()
		ticker := time.NewTicker(tw.tick)
		defer ticker.Stop()
		for {
			select {
			case <-tw.stopChan:
				return
			case <-ticker.C:
				tw.tickHandler()
			}
		}
	}()
}

func (tw *TimeWheel) tickHandler() {
	tw.mu.Lock()
	tw.currentPos = (tw.currentPos + 1) % tw.wheelSize
	tasks := tw.slots[tw.currentPos]
	var due []*Task
	for id, task := range tasks {
		if task.Rounds > 0 {
			task.Rounds--
			continue
		}
		due = append(due, task)
		delete(tasks, id)
		delete(tw.cancelMap, id)
	}
	tw.mu.Unlock()

	for _, task := range due {
		go task.Execute()
	}
}

// Stop halts the wheel. Pending tasks never fire.
func (tw *TimeWheel) Stop() {
	tw.stopOnce.Do(func() {
		close(tw.stopChan)
	})
	tw.wg.Wait()
}
