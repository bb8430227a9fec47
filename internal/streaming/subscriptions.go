package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/semanticcity/server/internal/logging"
	"github.com/semanticcity/server/internal/world"
)

// SubscriptionRequest is sent by clients to begin receiving chunks around a position.
type SubscriptionRequest struct {
	X        float64 `json:"x"`
	Z        float64 `json:"z"`
	Radius   *int    `json:"radius,omitempty" validate:"omitempty,gte=0"`
	Compress bool    `json:"compress,omitempty"`
}

// Pose is a viewer position update for an existing subscription.
type Pose struct {
	SubscriptionID string  `json:"subscription_id" validate:"required"`
	X              float64 `json:"x"`
	Z              float64 `json:"z"`
}

// Subscription tracks an individual client's streaming window.
type Subscription struct {
	ID        string
	Request   SubscriptionRequest
	Radius    int
	ChunkIDs  []string
	Manager   *Manager
	CreatedAt time.Time
	UpdatedAt time.Time

	// Loads for this subscription run under ctx, which ends when the
	// subscription is removed or the parent context ends.
	ctx    context.Context
	cancel context.CancelFunc
}

// Active reports whether the subscription is still registered and its
// context has not ended. Managers stop reporting loads once it is false.
func (s *Subscription) Active() bool {
	return s.ctx != nil && s.ctx.Err() == nil
}

// SubscriptionPlan captures the initial server response for a subscription.
type SubscriptionPlan struct {
	SubscriptionID string   `json:"subscription_id"`
	ChunkIDs       []string `json:"chunk_ids"`
}

// ChunkDelta describes the chunk window change after a pose update.
type ChunkDelta struct {
	SubscriptionID string   `json:"subscription_id"`
	AddedChunks    []string `json:"added"`
	RemovedChunks  []string `json:"removed,omitempty"`
	CurrentChunks  []string `json:"current"`
}

// ManagerFactory builds the manager for a new subscription. ID, Request and
// Radius are set when it is called.
type ManagerFactory func(sub *Subscription) *Manager

// Registry coordinates server-driven streaming subscriptions for one connection.
type Registry struct {
	cfg        world.Config
	maxRadius  int
	newManager ManagerFactory
	logger     *logrus.Entry

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
}

// NewRegistry builds a registry. Requested radii above maxRadius are rejected.
func NewRegistry(cfg world.Config, maxRadius int, factory ManagerFactory, logger logrus.FieldLogger) *Registry {
	return &Registry{
		cfg:           cfg,
		maxRadius:     maxRadius,
		newManager:    factory,
		logger:        logging.Component(logger, "stream"),
		subscriptions: make(map[string]*Subscription),
	}
}

// PlanSubscription validates the request, registers the subscription and
// starts loading its window under a child of ctx that RemoveSubscription cancels.
func (r *Registry) PlanSubscription(ctx context.Context, req SubscriptionRequest) (*SubscriptionPlan, error) {
	radius := r.cfg.ChunkLoadRadius
	if req.Radius != nil {
		radius = *req.Radius
	}
	if radius < 0 {
		return nil, fmt.Errorf("radius must not be negative")
	}
	if radius > r.maxRadius {
		return nil, fmt.Errorf("radius cannot exceed %d", r.maxRadius)
	}

	center := world.WorldToChunk(req.X, req.Z, r.cfg)
	chunkIDs := ComputeChunkWindow(center, radius)
	now := time.Now()
	sub := &Subscription{
		ID:        uuid.NewString(),
		Request:   req,
		Radius:    radius,
		ChunkIDs:  chunkIDs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sub.ctx, sub.cancel = context.WithCancel(ctx)
	sub.Manager = r.newManager(sub)

	r.mu.Lock()
	r.subscriptions[sub.ID] = sub
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"subscription": sub.ID,
		"center":       center.String(),
		"radius":       radius,
	}).Info("Subscription planned")

	sub.Manager.Spawn(sub.ctx, req.X, req.Z)
	return &SubscriptionPlan{SubscriptionID: sub.ID, ChunkIDs: chunkIDs}, nil
}

// UpdatePose recomputes the subscription window and returns chunk deltas.
// AddedChunks lists the chunks newly requested by this update. New loads run
// under the subscription's context, not ctx.
func (r *Registry) UpdatePose(ctx context.Context, pose Pose) (*ChunkDelta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pose.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required")
	}

	r.mu.Lock()
	sub, ok := r.subscriptions[pose.SubscriptionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("subscription %s not found", pose.SubscriptionID)
	}
	previous := sub.ChunkIDs
	current := ComputeChunkWindow(world.WorldToChunk(pose.X, pose.Z, r.cfg), sub.Radius)
	sub.ChunkIDs = current
	sub.Request.X, sub.Request.Z = pose.X, pose.Z
	sub.UpdatedAt = time.Now()
	r.mu.Unlock()

	requested := sub.Manager.UpdatePosition(sub.ctx, pose.X, pose.Z)
	_, removed := diffChunkIDs(previous, current)

	r.logger.WithFields(logrus.Fields{
		"subscription": pose.SubscriptionID,
		"requested":    len(requested),
		"removed":      len(removed),
	}).Debug("Pose updated")

	return &ChunkDelta{
		SubscriptionID: pose.SubscriptionID,
		AddedChunks:    chunkIDs(requested),
		RemovedChunks:  removed,
		CurrentChunks:  current,
	}, nil
}

// GetSubscription retrieves a subscription by ID.
func (r *Registry) GetSubscription(subscriptionID string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", subscriptionID)
	}
	return sub, nil
}

// RemoveSubscription forgets a subscription and cancels its context. Loads
// still running finish without being reported.
func (r *Registry) RemoveSubscription(subscriptionID string) bool {
	r.mu.Lock()
	sub, ok := r.subscriptions[subscriptionID]
	delete(r.subscriptions, subscriptionID)
	r.mu.Unlock()

	if ok {
		sub.cancel()
		r.logger.WithField("subscription", subscriptionID).Info("Subscription removed")
	}
	return ok
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}

// Wait blocks until every subscription's outstanding loads have completed.
func (r *Registry) Wait() {
	r.mu.RLock()
	managers := make([]*Manager, 0, len(r.subscriptions))
	for _, sub := range r.subscriptions {
		managers = append(managers, sub.Manager)
	}
	r.mu.RUnlock()

	for _, m := range managers {
		m.Wait()
	}
}

// ComputeChunkWindow returns the IDs of the (2r+1)^2 chunks centered on center.
func ComputeChunkWindow(center world.ChunkCoord, radius int) []string {
	return chunkIDs(world.Neighborhood(center, radius))
}

func chunkIDs(coords []world.ChunkCoord) []string {
	ids := make([]string, 0, len(coords))
	for _, c := range coords {
		ids = append(ids, c.String())
	}
	return ids
}

func diffChunkIDs(previous, next []string) (added []string, removed []string) {
	prevSet := make(map[string]struct{}, len(previous))
	nextSet := make(map[string]struct{}, len(next))

	for _, id := range previous {
		prevSet[id] = struct{}{}
	}
	for _, id := range next {
		nextSet[id] = struct{}{}
		if _, exists := prevSet[id]; !exists {
			added = append(added, id)
		}
	}
	for _, id := range previous {
		if _, exists := nextSet[id]; !exists {
			removed = append(removed, id)
		}
	}
	return
}
