package ranking

import (
	"sync"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

// DefaultHistorySize is the number of published snapshots retained
const DefaultHistorySize = 100

// history is a bounded ring of published snapshots
type history struct {
	mu    sync.RWMutex
	buf   []*types.RankingSnapshot
	next  int
	count int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{buf: make([]*types.RankingSnapshot, size)}
}

func (h *history) push(snap *types.RankingSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = snap
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// list returns up to limit snapshots, newest first. A non-positive limit
// returns everything retained.
func (h *history) list(limit int) []*types.RankingSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*types.RankingSnapshot, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}
