// Package progress fans execution progress snapshots out to live subscribers.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/syncflow/pkg/metrics"
	"github.com/flowforge/syncflow/pkg/model"
)

type Counter struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type Snapshot struct {
	ExecutionID   uuid.UUID             `json:"executionId"`
	WorkflowID    uuid.UUID             `json:"workflowId"`
	Progress      Counter               `json:"progress"`
	MetaProcessed int                   `json:"metaProcessed"`
	MetaTotal     *int                  `json:"metaTotal,omitempty"`
	PosProcessed  int                   `json:"posProcessed"`
	PosTotal      *int                  `json:"posTotal,omitempty"`
	Status        model.ExecutionStatus `json:"status"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

func (s Snapshot) Terminal() bool {
	return s.Status.IsTerminal()
}

// FromExecution builds the snapshot describing exec at time at. Source totals
// are omitted when the source is not part of the run.
func FromExecution(exec *model.WorkflowExecution, at time.Time) Snapshot {
	snap := Snapshot{
		ExecutionID:   exec.ID,
		WorkflowID:    exec.WorkflowID,
		Progress:      Counter{Current: exec.DaysProcessed, Total: exec.TotalDays},
		MetaProcessed: exec.MetaProcessed,
		PosProcessed:  exec.PosProcessed,
		Status:        exec.Status,
		UpdatedAt:     at,
	}
	if exec.MetaTotal > 0 {
		total := exec.MetaTotal
		snap.MetaTotal = &total
	}
	if exec.PosTotal > 0 {
		total := exec.PosTotal
		snap.PosTotal = &total
	}
	return snap
}

// Publisher is implemented by the in-process Hub and by RedisPublisher.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

type subscriber struct {
	ch chan Snapshot
}

// send replaces any unread snapshot with snap. Only the hub sends, under its
// lock, so the second send cannot block.
func (s *subscriber) send(snap Snapshot) {
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

// Hub keeps the latest snapshot per execution and delivers it to subscribers.
type Hub struct {
	mu        sync.Mutex
	latest    map[uuid.UUID]Snapshot
	subs      map[uuid.UUID]map[*subscriber]struct{}
	retention time.Duration
	now       func() time.Time
}

// NewHub returns a hub that forgets snapshots retention after their last update.
func NewHub(retention time.Duration) *Hub {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Hub{
		latest:    make(map[uuid.UUID]Snapshot),
		subs:      make(map[uuid.UUID]map[*subscriber]struct{}),
		retention: retention,
		now:       time.Now,
	}
}

func (h *Hub) Publish(_ context.Context, snap Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.latest[snap.ExecutionID]; ok && prev.Terminal() {
		return nil
	}
	h.store(snap)
	return nil
}

// Seed records snap only when nothing newer is known for the execution.
func (h *Hub) Seed(snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.latest[snap.ExecutionID]; ok {
		return
	}
	h.store(snap)
}

func (h *Hub) store(snap Snapshot) {
	h.prune()
	h.latest[snap.ExecutionID] = snap

	subs := h.subs[snap.ExecutionID]
	for sub := range subs {
		sub.send(snap)
		if snap.Terminal() {
			close(sub.ch)
		}
	}
	if snap.Terminal() && len(subs) > 0 {
		metrics.ProgressSubscribers.Sub(float64(len(subs)))
		delete(h.subs, snap.ExecutionID)
	}
}

func (h *Hub) prune() {
	cutoff := h.now().Add(-h.retention)
	for id, snap := range h.latest {
		if snap.UpdatedAt.Before(cutoff) && len(h.subs[id]) == 0 {
			delete(h.latest, id)
		}
	}
}

// Subscribe attaches to an execution. The latest known snapshot is delivered
// immediately; the channel is closed once a terminal snapshot was delivered.
// The returned func detaches and is safe to call more than once.
func (h *Hub) Subscribe(executionID uuid.UUID) (<-chan Snapshot, func()) {
	sub := &subscriber{ch: make(chan Snapshot, 1)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if snap, ok := h.latest[executionID]; ok {
		sub.ch <- snap
		if snap.Terminal() {
			close(sub.ch)
			return sub.ch, func() {}
		}
	}

	if h.subs[executionID] == nil {
		h.subs[executionID] = make(map[*subscriber]struct{})
	}
	h.subs[executionID][sub] = struct{}{}
	metrics.ProgressSubscribers.Inc()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { h.unsubscribe(executionID, sub) })
	}
}

func (h *Hub) unsubscribe(executionID uuid.UUID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[executionID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	metrics.ProgressSubscribers.Dec()
	if len(subs) == 0 {
		delete(h.subs, executionID)
	}
}

// Latest returns the most recent snapshot known for an execution.
func (h *Hub) Latest(executionID uuid.UUID) (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap, ok := h.latest[executionID]
	return snap, ok
}
