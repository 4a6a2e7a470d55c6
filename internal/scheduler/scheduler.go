// Package scheduler implements the weighted-lane dispatcher: three priority
// queues drained in a fixed 5 Gold : 3 Silver : 1 Bronze rotation.
package scheduler

import (
	"time"

	"atprouter/internal/frame"
)

const laneCapacity = 256

// Lane is one of the three priority classes.
type Lane int

const (
	Gold Lane = iota
	Silver
	Bronze
)

func (l Lane) String() string {
	switch l {
	case Gold:
		return "Gold"
	case Silver:
		return "Silver"
	default:
		return "Bronze"
	}
}

// WorkItem is a frame paired with the reply channel back to its client.
type WorkItem struct {
	Frame   frame.Frame
	ReplyTx chan<- []byte
}

// Process is invoked once per dequeued work item, in its own goroutine.
type Process func(WorkItem)

// Scheduler owns the three lane queues and the dispatcher goroutine.
type Scheduler struct {
	gold   chan WorkItem
	silver chan WorkItem
	bronze chan WorkItem
	stop   chan struct{}

	// onDequeue, if set, is invoked synchronously in the dispatch loop right
	// after a successful dequeue and before the item's goroutine is spawned.
	// Test-only hook for observing dispatch order deterministically.
	onDequeue func(Lane)
}

// New creates a Scheduler with default lane capacity. Start must be called
// to begin dispatching.
func New() *Scheduler {
	return &Scheduler{
		gold:   make(chan WorkItem, laneCapacity),
		silver: make(chan WorkItem, laneCapacity),
		bronze: make(chan WorkItem, laneCapacity),
		stop:   make(chan struct{}),
	}
}

// Enqueue routes item to the lane matching item.Frame.QoS.
func (s *Scheduler) Enqueue(item WorkItem) {
	switch frame.LaneForQoS(item.Frame.QoS) {
	case "Gold":
		s.gold <- item
	case "Silver":
		s.silver <- item
	default:
		s.bronze <- item
	}
}

// rotation is the fixed 9-slot service pattern: 5 Gold, 3 Silver, 1 Bronze.
// It is position-driven, not conditional — an empty lane still advances
// the rotation rather than being skipped, so Silver/Bronze keep their
// 3/9 and 1/9 share even while Gold is saturated.
var rotation = []Lane{Gold, Gold, Gold, Gold, Gold, Silver, Silver, Silver, Bronze}

// Start launches the single dispatcher goroutine, which spawns one
// goroutine running process per dequeued work item.
func (s *Scheduler) Start(process Process) {
	go s.dispatch(process)
}

// Stop halts the dispatcher after its current tick.
func (s *Scheduler) Stop() { close(s.stop) }

func (s *Scheduler) dispatch(process Process) {
	pos := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		lane := rotation[pos]
		pos = (pos + 1) % len(rotation)

		item, ok := s.tryDequeue(lane)
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if s.onDequeue != nil {
			s.onDequeue(lane)
		}
		go process(item)
	}
}

// tryDequeue performs a non-blocking receive on the selected lane's queue.
// The externally observable requirement is the 5:3:1 service ratio under
// saturation, not that every tick yields work; an empty lane degrades to a
// short sleep rather than blocking the whole rotation.
func (s *Scheduler) tryDequeue(lane Lane) (WorkItem, bool) {
	var ch chan WorkItem
	switch lane {
	case Gold:
		ch = s.gold
	case Silver:
		ch = s.silver
	default:
		ch = s.bronze
	}
	select {
	case item := <-ch:
		return item, true
	default:
		return WorkItem{}, false
	}
}
