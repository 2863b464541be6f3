package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"sceneforge/internal/domain"
	"sceneforge/internal/geometry"
	"sceneforge/internal/scene"
)

// ─────────────────────────────────────────────────────────────
// Conversation — one scene document plus pipeline state
// ─────────────────────────────────────────────────────────────

// Conversation holds everything tied to one conversation id. All fields
// except ID are guarded by the conversation lock; obtain it with
// Registry.Acquire.
type Conversation struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	ImageID    string
	Image      *domain.ImageMeta
	Doc        *scene.Document
	ToolCalls  []domain.ToolCallRecord
	Frames     []domain.Frame
	LastRender []byte

	mu      sync.Mutex
	deleted bool
}

// Record copies the conversation into its durable form. Caller holds the lock.
func (c *Conversation) Record() *domain.ConversationRecord {
	rec := &domain.ConversationRecord{
		ID:        c.ID,
		ImageID:   c.ImageID,
		Image:     c.Image.Clone(),
		Scene:     c.Doc.Snapshot(),
		History:   c.Doc.History(),
		ToolCalls: append([]domain.ToolCallRecord(nil), c.ToolCalls...),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if c.Frames != nil {
		rec.Frames = make([]domain.Frame, len(c.Frames))
		for i, f := range c.Frames {
			rec.Frames[i] = f.Clone()
		}
	}
	return rec
}

func conversationFromRecord(rec *domain.ConversationRecord) (*Conversation, error) {
	doc, err := scene.Restore(rec.Scene, rec.History)
	if err != nil {
		return nil, fmt.Errorf("restore conversation %s: %w", rec.ID, err)
	}
	return &Conversation{
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		ImageID:   rec.ImageID,
		Image:     rec.Image.Clone(),
		Doc:       doc,
		ToolCalls: rec.ToolCalls,
		Frames:    rec.Frames,
	}, nil
}

// ─────────────────────────────────────────────────────────────
// Registry — keyed conversation store with TTL eviction
// ─────────────────────────────────────────────────────────────

type RegistryOptions struct {
	// TTL evicts conversations idle for longer. Zero disables idle eviction.
	TTL time.Duration
	// MaxEntries caps resident conversations. Zero means unbounded.
	MaxEntries int
	// SweepSchedule is a cron spec for the eviction sweep, e.g. "@every 1m".
	SweepSchedule string
	// World seeds new documents.
	World domain.World
	// DefaultScale seeds the mapping of conversations created with an image.
	DefaultScale float64
	// Store, when set, persists every change and rehydrates evicted entries.
	Store   domain.ConversationStore
	Emitter EventEmitter
	Logger  *slog.Logger
}

// tombstoneTTL is how long a deleted id stays blocked from rehydration.
const tombstoneTTL = time.Minute

type registryEntry struct {
	conv     *Conversation
	lastUsed time.Time
	refs     int
}

// Registry maps conversation ids to conversations. Access to a single
// conversation is serialised by its own lock so slow work on one
// conversation never blocks another.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	// tombstones keeps recently deleted ids so a store load racing the
	// delete cannot bring them back.
	tombstones map[string]time.Time

	opts    RegistryOptions
	store   domain.ConversationStore
	emit    EventEmitter
	log     *slog.Logger
	cron    *cron.Cron
	stopped bool
	now     func() time.Time
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.World == (domain.World{}) {
		opts.World = domain.DefaultWorld()
	}
	r := &Registry{
		entries:    make(map[string]*registryEntry),
		tombstones: make(map[string]time.Time),
		opts:       opts,
		store:      opts.Store,
		emit:       opts.Emitter,
		log:        opts.Logger,
		now:        time.Now,
	}
	if r.emit == nil {
		r.emit = nopEmitter{}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// SetClock replaces the registry clock. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetLimits changes the eviction limits. They apply from the next sweep;
// the sweep is scheduled now if the registry started without limits.
func (r *Registry) SetLimits(ttl time.Duration, maxEntries int) error {
	r.mu.Lock()
	r.opts.TTL = ttl
	r.opts.MaxEntries = maxEntries
	r.mu.Unlock()
	return r.Start()
}

// Start schedules the eviction sweep. It is a no-op without a schedule,
// without limits, or when the sweep already runs.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil || r.stopped || r.opts.SweepSchedule == "" || (r.opts.TTL == 0 && r.opts.MaxEntries == 0) {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(r.opts.SweepSchedule, func() { r.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("schedule registry sweep %q: %w", r.opts.SweepSchedule, err)
	}
	c.Start()
	r.cron = c
	r.log.Info("registry sweep scheduled", "schedule", r.opts.SweepSchedule, "ttl", r.opts.TTL, "max", r.opts.MaxEntries)
	return nil
}

// Scheduled reports whether the eviction sweep is running.
func (r *Registry) Scheduled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cron != nil
}

// Stop halts the sweep and waits for a running one to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.stopped = true
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Create registers a new conversation with an empty document. When image
// metadata is given the mapping is seeded with its center and the default scale.
func (r *Registry) Create(ctx context.Context, imageID string, img *domain.ImageMeta) (*domain.ConversationRecord, error) {
	var mapping *domain.Mapping
	if img.Valid() {
		m := geometry.MappingFor(*img, r.opts.DefaultScale)
		mapping = &m
	}

	r.mu.Lock()
	now := r.now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		ImageID:   imageID,
		Image:     img.Clone(),
		Doc:       scene.New(r.opts.World, mapping),
	}
	r.entries[conv.ID] = &registryEntry{conv: conv, lastUsed: now}
	rec := conv.Record()
	r.mu.Unlock()

	if err := r.save(ctx, rec); err != nil {
		r.mu.Lock()
		delete(r.entries, conv.ID)
		r.mu.Unlock()
		return nil, err
	}
	r.emit.Emit(ctx, EventConversationCreated, conv.ID)
	r.log.Info("conversation created", "conversation", conv.ID)
	return rec, nil
}

// Acquire resolves a conversation and takes its lock. The returned release
// func must be called exactly once.
func (r *Registry) Acquire(ctx context.Context, id string) (*Conversation, func(), error) {
	e, err := r.pin(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	e.conv.mu.Lock()
	release := func() {
		e.conv.mu.Unlock()
		r.mu.Lock()
		e.refs--
		e.lastUsed = r.now()
		r.mu.Unlock()
	}
	if e.conv.deleted {
		release()
		return nil, nil, fmt.Errorf("conversation %s: %w", id, domain.ErrConversationNotFound)
	}
	return e.conv, release, nil
}

// pin finds a resident entry or rehydrates it from the store, and bumps its
// reference count so the sweep leaves it alone.
func (r *Registry) pin(ctx context.Context, id string) (*registryEntry, error) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.refs++
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	if r.store == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrConversationNotFound)
	}
	rec, err := r.store.LoadConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	conv, err := conversationFromRecord(rec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, gone := r.tombstones[id]; gone {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrConversationNotFound)
	}
	e, ok := r.entries[id]
	if !ok {
		e = &registryEntry{conv: conv, lastUsed: r.now()}
		r.entries[id] = e
		r.log.Info("conversation rehydrated", "conversation", id)
	}
	e.refs++
	return e, nil
}

// Get returns a consistent copy of the conversation.
func (r *Registry) Get(ctx context.Context, id string) (*domain.ConversationRecord, error) {
	conv, release, err := r.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	return conv.Record(), nil
}

// Update runs fn under the conversation lock and persists the result when
// fn succeeds.
func (r *Registry) Update(ctx context.Context, id string, fn func(*Conversation) error) error {
	conv, release, err := r.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	if err := fn(conv); err != nil {
		return err
	}
	return r.Persist(ctx, conv)
}

// Persist stamps UpdatedAt and writes the conversation to the store, if
// any. Caller holds the conversation lock.
func (r *Registry) Persist(ctx context.Context, conv *Conversation) error {
	conv.UpdatedAt = r.clock().UTC()
	return r.save(ctx, conv.Record())
}

func (r *Registry) save(ctx context.Context, rec *domain.ConversationRecord) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveConversation(ctx, rec); err != nil {
		return fmt.Errorf("persist conversation %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Registry) clock() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now()
}

// Delete removes a conversation from the store and then from memory, both
// under the conversation lock. Callers waiting on the lock see it as gone.
func (r *Registry) Delete(ctx context.Context, id string) error {
	conv, release, err := r.Acquire(ctx, id)
	if err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.DeleteConversation(ctx, id); err != nil && !errors.Is(err, domain.ErrConversationNotFound) {
			release()
			return fmt.Errorf("delete conversation %s: %w", id, err)
		}
	}
	conv.deleted = true
	r.mu.Lock()
	delete(r.entries, id)
	r.tombstones[id] = r.now()
	r.mu.Unlock()
	release()

	r.emit.Emit(ctx, EventConversationDeleted, id)
	r.log.Info("conversation deleted", "conversation", id)
	return nil
}

// Len returns the number of resident conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs lists resident conversation ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep evicts idle conversations past the TTL, then the least recently
// used ones above MaxEntries. Conversations in use are never evicted.
// It returns the evicted ids.
func (r *Registry) Sweep(ctx context.Context) []string {
	r.mu.Lock()
	now := r.now()

	type idle struct {
		id       string
		lastUsed time.Time
	}
	var candidates []idle
	var evicted []string
	for id, e := range r.entries {
		if e.refs > 0 {
			continue
		}
		if r.opts.TTL > 0 && now.Sub(e.lastUsed) > r.opts.TTL {
			delete(r.entries, id)
			evicted = append(evicted, id)
			continue
		}
		candidates = append(candidates, idle{id, e.lastUsed})
	}

	for id, at := range r.tombstones {
		if now.Sub(at) > tombstoneTTL {
			delete(r.tombstones, id)
		}
	}

	if over := len(r.entries) - r.opts.MaxEntries; r.opts.MaxEntries > 0 && over > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].lastUsed.Equal(candidates[j].lastUsed) {
				return candidates[i].id < candidates[j].id
			}
			return candidates[i].lastUsed.Before(candidates[j].lastUsed)
		})
		for i := 0; i < over && i < len(candidates); i++ {
			delete(r.entries, candidates[i].id)
			evicted = append(evicted, candidates[i].id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.emit.Emit(ctx, EventConversationEvicted, id)
	}
	if len(evicted) > 0 {
		r.log.Info("registry sweep", "evicted", len(evicted), "resident", r.Len(), "durable", r.store != nil)
	}
	return evicted
}
