package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/allolib/allosynth/pkg/log"
)

// Subscriber represents a client subscribed to rendered audio blocks
type Subscriber struct {
	ID           string
	Streams      map[Stream]bool // Filter by stream (empty for all streams)
	Channel      chan *Block
	LastActivity time.Time
	dropped      uint64
	connected    bool
	mutex        sync.RWMutex
}

// NewSubscriber creates a new audio subscriber
func NewSubscriber(id string, bufferSize int) *Subscriber {
	return &Subscriber{
		ID:           id,
		Streams:      make(map[Stream]bool),
		Channel:      make(chan *Block, bufferSize),
		LastActivity: time.Now(),
		connected:    true,
	}
}

// SetStreamFilter sets the stream filter
func (s *Subscriber) SetStreamFilter(streams []Stream) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Streams = make(map[Stream]bool)
	for _, st := range streams {
		s.Streams[st] = true
	}
}

// ShouldReceive checks if the subscriber should receive this block
func (s *Subscriber) ShouldReceive(block *Block) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if !s.connected {
		return false
	}

	if len(s.Streams) > 0 && !s.Streams[block.Stream] {
		return false
	}

	return true
}

// Send sends a block to the subscriber (non-blocking)
func (s *Subscriber) Send(block *Block) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.connected {
		return false
	}

	select {
	case s.Channel <- block:
		s.LastActivity = time.Now()
		return true
	default:
		// Channel is full, drop the block
		s.dropped++
		if s.dropped == 1 {
			log.Warnf("Dropping blocks for subscriber %s (channel full)", s.ID)
		} else {
			log.Debugf("Dropping block %d for subscriber %s", block.Sequence, s.ID)
		}
		return false
	}
}

// Close closes the subscriber
func (s *Subscriber) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.connected {
		s.connected = false
		close(s.Channel)
	}
}

// IsConnected returns whether the subscriber is connected
func (s *Subscriber) IsConnected() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.connected
}

func (s *Subscriber) lastActivity() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.LastActivity
}

// Bus distributes rendered blocks to subscribers
type Bus struct {
	subscribers map[string]*Subscriber
	mutex       sync.RWMutex

	totalBlocks   atomic.Uint64
	droppedBlocks atomic.Uint64
	lastBlockTime atomic.Int64
}

// BusStats holds statistics for the audio bus
type BusStats struct {
	TotalBlocks       uint64    `json:"total_blocks"`
	DroppedBlocks     uint64    `json:"dropped_blocks"`
	ActiveSubscribers int       `json:"active_subscribers"`
	LastBlockTime     time.Time `json:"last_block_time"`
}

// NewBus creates a new audio bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe adds a new subscriber to the bus
func (b *Bus) Subscribe(subscriber *Subscriber) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.subscribers[subscriber.ID] = subscriber

	log.Infof("Added subscriber: %s (total: %d)", subscriber.ID, len(b.subscribers))
}

// Unsubscribe removes a subscriber from the bus
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if subscriber, exists := b.subscribers[subscriberID]; exists {
		subscriber.Close()
		delete(b.subscribers, subscriberID)

		log.Infof("Removed subscriber: %s (total: %d)", subscriberID, len(b.subscribers))
	}
}

// HasSubscribers reports whether anyone is listening. The engine skips
// building blocks when nobody is.
func (b *Bus) HasSubscribers() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.subscribers) > 0
}

// Publish publishes a block to all matching subscribers
func (b *Bus) Publish(block *Block) bool {
	b.mutex.RLock()
	subscribers := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.ShouldReceive(block) {
			subscribers = append(subscribers, sub)
		}
	}
	b.mutex.RUnlock()

	b.totalBlocks.Add(1)
	b.lastBlockTime.Store(time.Now().UnixNano())

	if len(subscribers) == 0 {
		return true // No subscribers, but not an error
	}

	sent := 0
	for _, subscriber := range subscribers {
		if subscriber.Send(block) {
			sent++
		} else {
			b.droppedBlocks.Add(1)
		}
	}

	return sent > 0
}

// GetStats returns bus statistics
func (b *Bus) GetStats() BusStats {
	b.mutex.RLock()
	active := len(b.subscribers)
	b.mutex.RUnlock()

	stats := BusStats{
		TotalBlocks:       b.totalBlocks.Load(),
		DroppedBlocks:     b.droppedBlocks.Load(),
		ActiveSubscribers: active,
	}
	if ns := b.lastBlockTime.Load(); ns != 0 {
		stats.LastBlockTime = time.Unix(0, ns)
	}
	return stats
}

// GetSubscriber returns a subscriber by ID
func (b *Bus) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	subscriber, exists := b.subscribers[subscriberID]
	return subscriber, exists
}

// GetSubscriberCount returns the number of active subscribers
func (b *Bus) GetSubscriberCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.subscribers)
}

// CleanupInactiveSubscribers removes subscribers that haven't been active for a while
func (b *Bus) CleanupInactiveSubscribers(timeout time.Duration) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	removed := 0

	for id, subscriber := range b.subscribers {
		if !subscriber.IsConnected() || now.Sub(subscriber.lastActivity()) > timeout {
			subscriber.Close()
			delete(b.subscribers, id)
			removed++
			log.Infof("Cleaned up inactive subscriber: %s", id)
		}
	}

	if removed > 0 {
		log.Infof("Cleaned up %d inactive subscribers (total: %d)", removed, len(b.subscribers))
	}

	return removed
}

// Shutdown closes all subscribers and shuts down the bus
func (b *Bus) Shutdown() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	log.Info("Shutting down audio bus")

	for id, subscriber := range b.subscribers {
		subscriber.Close()
		log.Debugf("Closed subscriber: %s", id)
	}

	b.subscribers = make(map[string]*Subscriber)

	log.Info("Audio bus shutdown complete")
}
