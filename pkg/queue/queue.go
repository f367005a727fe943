// Package queue provides the per-agent-type priority queue used for dispatch
package queue

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/rizome-dev/conductor/pkg/types"
)

// item is a queued task with its ordering key
type item struct {
	task   *types.AgentTask
	weight int
	seq    uint64
	index  int
}

// taskHeap orders items by weight descending, then sequence ascending
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// TaskQueue holds waiting tasks per agent type and tracks the tasks being processed
type TaskQueue struct {
	mu         sync.Mutex
	queues     map[string]*taskHeap
	index      map[string]*item
	processing map[string]map[string]struct{}
	owner      map[string]string
	seq        uint64
}

// New creates an empty TaskQueue
func New() *TaskQueue {
	return &TaskQueue{
		queues:     make(map[string]*taskHeap),
		index:      make(map[string]*item),
		processing: make(map[string]map[string]struct{}),
		owner:      make(map[string]string),
	}
}

// Enqueue adds task behind every queued task of the same or higher priority.
// Every call takes a fresh sequence number, so a requeued task goes to the
// back of its priority bucket.
func (q *TaskQueue) Enqueue(task *types.AgentTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if old, ok := q.index[task.ID]; ok {
		h := q.queues[task.AgentType]
		heap.Remove(h, old.index)
	}

	h, ok := q.queues[task.AgentType]
	if !ok {
		h = &taskHeap{}
		q.queues[task.AgentType] = h
	}

	q.seq++
	it := &item{task: task, weight: task.Priority.Weight(), seq: q.seq}
	heap.Push(h, it)
	q.index[task.ID] = it
}

// Dequeue removes the highest-priority task for agentType and marks it as processing
func (q *TaskQueue) Dequeue(agentType string) (*types.AgentTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.queues[agentType]
	if !ok || h.Len() == 0 {
		return nil, false
	}

	it := heap.Pop(h).(*item)
	delete(q.index, it.task.ID)

	set, ok := q.processing[agentType]
	if !ok {
		set = make(map[string]struct{})
		q.processing[agentType] = set
	}
	set[it.task.ID] = struct{}{}
	q.owner[it.task.ID] = agentType

	return it.task, true
}

// MarkComplete removes taskID from the processing set. Unknown ids are ignored.
func (q *TaskQueue) MarkComplete(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	agentType, ok := q.owner[taskID]
	if !ok {
		return
	}
	delete(q.owner, taskID)
	delete(q.processing[agentType], taskID)
}

// Remove drops a waiting task. It reports false when the task is not queued.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[taskID]
	if !ok {
		return false
	}
	heap.Remove(q.queues[it.task.AgentType], it.index)
	delete(q.index, taskID)
	return true
}

// GetProcessingCount returns how many tasks of agentType are being processed
func (q *TaskQueue) GetProcessingCount(agentType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing[agentType])
}

// Len returns how many tasks of agentType are waiting
func (q *TaskQueue) Len(agentType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if h, ok := q.queues[agentType]; ok {
		return h.Len()
	}
	return 0
}

// Contains reports whether taskID is waiting
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[taskID]
	return ok
}

// Snapshot returns the waiting task ids of agentType in dispatch order
func (q *TaskQueue) Snapshot(agentType string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.queues[agentType]
	if !ok {
		return nil
	}

	items := make(taskHeap, h.Len())
	copy(items, *h)
	sort.Slice(items, func(i, j int) bool {
		if items[i].weight != items[j].weight {
			return items[i].weight > items[j].weight
		}
		return items[i].seq < items[j].seq
	})

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.task.ID
	}
	return ids
}
