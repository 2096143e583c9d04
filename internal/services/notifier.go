package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/clovisapp/clovis-backend/internal/logger"
	"github.com/clovisapp/clovis-backend/internal/repos"
	"github.com/clovisapp/clovis-backend/internal/sse"
	"github.com/clovisapp/clovis-backend/internal/sse/bus"
	"github.com/clovisapp/clovis-backend/internal/types"
)

// Emitter publishes room messages. With a bus attached the message travels
// through redis so every API instance's hub fans it out; without one it
// goes straight to the local hub.
type Emitter interface {
	Emit(ctx context.Context, msg sse.Message)
}

type hubEmitter struct {
	log *logger.Logger
	hub *sse.Hub
	bus bus.Bus
}

func NewEmitter(log *logger.Logger, hub *sse.Hub, b bus.Bus) Emitter {
	return &hubEmitter{
		log: log.With("service", "Emitter"),
		hub: hub,
		bus: b,
	}
}

func (e *hubEmitter) Emit(ctx context.Context, msg sse.Message) {
	if e.bus != nil {
		if err := e.bus.Publish(ctx, msg); err != nil {
			e.log.Warn("bus publish failed, falling back to local hub", "error", err, "room", msg.Room)
			e.hub.Broadcast(msg)
		}
		return
	}
	e.hub.Broadcast(msg)
}

// BlueprintNotifier publishes the two pipeline events. Progress ticks are
// ephemeral: broadcast only, never persisted. The terminal creation event
// is strong: written to the notification table first, then broadcast.
type BlueprintNotifier interface {
	BlueprintProgress(projectID, blueprintID uuid.UUID, progress float64)
	BlueprintCreated(ctx context.Context, tx *gorm.DB, projectID, blueprintID, creatorID uuid.UUID) error
}

type blueprintNotifier struct {
	log              *logger.Logger
	emit             Emitter
	notificationRepo repos.NotificationRepo
}

func NewBlueprintNotifier(log *logger.Logger, emit Emitter, notificationRepo repos.NotificationRepo) BlueprintNotifier {
	return &blueprintNotifier{
		log:              log.With("service", "BlueprintNotifier"),
		emit:             emit,
		notificationRepo: notificationRepo,
	}
}

func (n *blueprintNotifier) BlueprintProgress(projectID, blueprintID uuid.UUID, progress float64) {
	if n == nil || n.emit == nil {
		return
	}
	n.emit.Emit(context.Background(), sse.Message{
		Room:  sse.ProjectRoom(projectID),
		Event: sse.EventBlueprintProgress,
		Data: map[string]any{
			"project":   projectID,
			"blueprint": blueprintID,
			"progress":  progress,
		},
	})
}

func (n *blueprintNotifier) BlueprintCreated(ctx context.Context, tx *gorm.DB, projectID, blueprintID, creatorID uuid.UUID) error {
	notification := &types.Notification{
		ID:          uuid.New(),
		Type:        types.NotificationTypeBlueprintCreate,
		ProjectID:   projectID,
		BlueprintID: blueprintID,
		CreatorID:   creatorID,
		Strong:      true,
		CreatedAt:   time.Now(),
	}
	if _, err := n.notificationRepo.Create(ctx, tx, []*types.Notification{notification}); err != nil {
		return err
	}

	n.emit.Emit(ctx, sse.Message{
		Room:  sse.ProjectRoom(projectID),
		Event: sse.EventNotification,
		Data: map[string]any{
			"type":      notification.Type,
			"creator":   creatorID,
			"strong":    true,
			"project":   projectID,
			"blueprint": blueprintID,
		},
	})
	return nil
}
