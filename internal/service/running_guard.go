package service

import (
	"context"
	"sort"
	"sync"
)

// ─────────────────────────────────────────────────────────────
// BuildGuard — one build loop per conversation
// ─────────────────────────────────────────────────────────────

// BuildGuard ensures at most one build loop runs per conversation. It is
// separate from the conversation lock: a build holds the guard across
// oracle calls, while the conversation lock is only held per edit.
type BuildGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// TryAcquire marks the conversation as building. It returns false when a
// build is already running for it.
func (g *BuildGuard) TryAcquire(conversationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[conversationID]; ok {
		return false
	}
	g.running[conversationID] = struct{}{}
	g.wg.Add(1)
	return true
}

// Release ends a build started with a successful TryAcquire.
func (g *BuildGuard) Release(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.running[conversationID]; !ok {
		return
	}
	delete(g.running, conversationID)
	g.wg.Done()
}

// Running lists the conversations with an active build, sorted.
func (g *BuildGuard) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.running))
	for id := range g.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WaitAll blocks until every running build finishes or ctx is cancelled.
func (g *BuildGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
