// Package history keeps the bounded record of recent Action Results. The
// conversational view feeds the next reasoning call; the full view feeds the
// status surface.
package history

import (
	"sync"

	"github.com/t031a5/controlcore/internal/model"
)

// History is a fixed-capacity ring of results, safe for concurrent use.
// Results arrive from dispatch workers in completion order, which may differ
// from cycle order; each carries its OriginCycleID.
type History struct {
	mu    sync.Mutex
	buf   []model.ActionResult
	next  int
	full  bool
	total uint64
}

// New creates a history holding at most size results.
func New(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{buf: make([]model.ActionResult, size)}
}

// Add appends r, evicting the oldest entry when full.
func (h *History) Add(r model.ActionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.total++
}

// AddAll appends rs in order.
func (h *History) AddAll(rs []model.ActionResult) {
	for _, r := range rs {
		h.Add(r)
	}
}

// Total is the number of results ever added.
func (h *History) Total() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Recent returns up to n results, oldest first, including discarded ones.
// n <= 0 returns everything held.
func (h *History) Recent(n int) []model.ActionResult {
	return h.collect(n, func(model.ActionResult) bool { return true })
}

// Conversational returns up to n results for the reasoning layer, oldest
// first. Results discarded after a safety halt are left out.
func (h *History) Conversational(n int) []model.ActionResult {
	return h.collect(n, func(r model.ActionResult) bool { return !r.Discarded })
}

func (h *History) collect(n int, keep func(model.ActionResult) bool) []model.ActionResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	start := 0
	if h.full {
		size = len(h.buf)
		start = h.next
	}
	var picked []model.ActionResult
	// walk newest to oldest, then reverse
	for i := size - 1; i >= 0; i-- {
		r := h.buf[(start+i)%len(h.buf)]
		if !keep(r) {
			continue
		}
		picked = append(picked, r)
		if n > 0 && len(picked) == n {
			break
		}
	}
	out := make([]model.ActionResult, len(picked))
	for i, r := range picked {
		out[len(picked)-1-i] = r
	}
	return out
}
