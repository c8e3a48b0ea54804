package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventBackupChanged     = "backup-changed"
	RealtimeEventBackupDeleted     = "backup-deleted"
	RealtimeEventConflictDetected  = "conflict-detected"
	RealtimeEventConflictResolved  = "conflict-resolved"
	RealtimeEventBackupsPurged     = "backups-purged"
	realtimeEventHeartbeat         = "heartbeat"
	realtimeSourceBackend          = "reflective-backend"
	defaultRealtimeBufferSize      = 16
	defaultRealtimeHeartbeatPeriod = 25 * time.Second
)

// RealtimeMessage notifies a user's other devices that their sync state moved.
// It carries identifiers only; devices fetch the ciphertext themselves.
type RealtimeMessage struct {
	UserID     string
	EventType  string
	EntryIDs   []string
	ConflictID string
	DeviceID   string
	Timestamp  time.Time
}

// RealtimeDispatcher fans messages out to every open stream of a user. Slow streams drop messages.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBufferSize,
	}
}

// Subscribe registers a stream for userID that lives until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to the user's streams without blocking.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if d == nil || message.UserID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the open streams of a user.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}

type realtimeEventPayload struct {
	EntryIDs   []string  `json:"entry_ids,omitempty"`
	ConflictID string    `json:"conflict_id,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
}

func newRealtimeEventPayload(message RealtimeMessage) realtimeEventPayload {
	return realtimeEventPayload{
		EntryIDs:   message.EntryIDs,
		ConflictID: message.ConflictID,
		DeviceID:   message.DeviceID,
		Timestamp:  message.Timestamp.UTC(),
		Source:     realtimeSourceBackend,
	}
}
