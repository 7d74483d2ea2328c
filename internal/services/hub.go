package services

import (
	"context"
	"sync/atomic"
	"time"

	"crash-round-backend/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Subscriber is one observer's ordered, buffered queue. The hub closes the
// queue when the subscriber is removed or falls too far behind.
type Subscriber struct {
	UserID string
	send   chan models.Message
}

func (s *Subscriber) Messages() <-chan models.Message {
	return s.send
}

// BroadcastHub fans scheduler events out to every subscriber from a single
// loop, so all observers see events in publish order. It also folds the
// public events into a snapshot that late joiners receive first.
type BroadcastHub struct {
	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan models.Message
	done       chan struct{}

	subscribers map[*Subscriber]struct{}
	count       atomic.Int64
	queueSize   int

	snapshot  models.SnapshotData
	phaseEnds time.Time

	log zerolog.Logger
}

func NewBroadcastHub(queueSize int, log zerolog.Logger) *BroadcastHub {
	if queueSize < 1 {
		queueSize = 64
	}
	return &BroadcastHub{
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan models.Message, 1024),
		done:        make(chan struct{}),
		subscribers: make(map[*Subscriber]struct{}),
		queueSize:   queueSize,
		snapshot: models.SnapshotData{
			Phase:             models.RoundCrashed,
			CurrentMultiplier: decimal.New(100, -2),
		},
		log: log,
	}
}

func (h *BroadcastHub) Run(ctx context.Context) {
	defer func() {
		for sub := range h.subscribers {
			h.drop(sub)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			snap := h.currentSnapshot()
			sub.send <- models.Message{Type: models.MsgSnapshot, Data: snap}
			h.subscribers[sub] = struct{}{}
			h.count.Add(1)
			h.log.Debug().Str("user_id", sub.UserID).Msg("subscriber registered")

		case sub := <-h.unregister:
			if _, ok := h.subscribers[sub]; ok {
				h.drop(sub)
				h.log.Debug().Str("user_id", sub.UserID).Msg("subscriber unregistered")
			}

		case msg := <-h.broadcast:
			h.apply(msg)
			h.fanOut(msg)
		}
	}
}

// Subscribe adds an observer. The first message on its queue is the current
// snapshot.
func (h *BroadcastHub) Subscribe(userID string) (*Subscriber, error) {
	sub := &Subscriber{UserID: userID, send: make(chan models.Message, h.queueSize)}
	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, context.Canceled
	}
}

func (h *BroadcastHub) Unsubscribe(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish queues an event for every subscriber, or for one user when
// msg.UserID is set.
func (h *BroadcastHub) Publish(msg models.Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func (h *BroadcastHub) SendTo(userID string, msg models.Message) {
	msg.UserID = userID
	h.Publish(msg)
}

// Subscribers is the number of connected observers.
func (h *BroadcastHub) Subscribers() int {
	return int(h.count.Load())
}

func (h *BroadcastHub) fanOut(msg models.Message) {
	for sub := range h.subscribers {
		if msg.UserID != "" && msg.UserID != sub.UserID {
			continue
		}
		select {
		case sub.send <- msg:
		default:
			h.log.Warn().Str("user_id", sub.UserID).Str("type", string(msg.Type)).Msg("subscriber queue full, disconnecting")
			h.drop(sub)
		}
	}
}

func (h *BroadcastHub) drop(sub *Subscriber) {
	delete(h.subscribers, sub)
	close(sub.send)
	h.count.Add(-1)
}

func (h *BroadcastHub) apply(msg models.Message) {
	if msg.UserID != "" {
		return
	}
	s := &h.snapshot
	// Events from an abandoned round must not move the current one.
	if id, ok := roundOf(msg.Data); ok && id != s.RoundID {
		return
	}
	switch d := msg.Data.(type) {
	case models.BettingOpenedData:
		*s = models.SnapshotData{
			Phase:             models.RoundBetting,
			RoundID:           d.RoundID,
			RoundNumber:       d.RoundNumber,
			CurrentMultiplier: decimal.New(100, -2),
			ServerHash:        d.ServerHash,
		}
		h.phaseEnds = time.Now().Add(time.Duration(d.CountdownMs) * time.Millisecond)
	case models.StartingData:
		s.Phase = models.RoundStarting
		h.phaseEnds = time.Now().Add(time.Duration(d.CountdownMs) * time.Millisecond)
	case models.StartedData:
		s.Phase = models.RoundActive
		s.CurrentMultiplier = decimal.New(100, -2)
		h.phaseEnds = time.Time{}
	case models.MultiplierData:
		s.CurrentMultiplier = d.CurrentMultiplier
	case models.CrashedData:
		s.Phase = models.RoundCrashed
		cp := d.CrashPoint
		s.CrashPoint = &cp
		h.phaseEnds = time.Time{}
	}
}

func roundOf(data interface{}) (string, bool) {
	switch d := data.(type) {
	case models.StartingData:
		return d.RoundID, true
	case models.StartedData:
		return d.RoundID, true
	case models.MultiplierData:
		return d.RoundID, true
	case models.CrashedData:
		return d.RoundID, true
	}
	return "", false
}

func (h *BroadcastHub) currentSnapshot() models.SnapshotData {
	snap := h.snapshot
	if !h.phaseEnds.IsZero() {
		if left := time.Until(h.phaseEnds); left > 0 {
			snap.CountdownMs = left.Milliseconds()
		}
	}
	return snap
}
