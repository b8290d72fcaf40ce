package main

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/craglive/boxd/server/observability"
)

// Channel labels for metrics.
const (
	channelOperator  = "operator"
	channelPublic    = "public"
	channelAggregate = "aggregate"
)

// Subscriber is one WebSocket attached to exactly one box channel (or the
// public aggregate). Frames are enqueued to a bounded send queue; a full
// queue means the consumer is too slow and gets dropped rather than
// head-of-line blocking the box.
type Subscriber struct {
	conn    *websocket.Conn
	send    chan []byte
	role    string
	boxID   int // -1 on the aggregate channel
	public  bool
	remote  string
	channel string

	closeCode int32
	closeOnce sync.Once
}

func (s *Subscriber) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// close marks the subscriber for shutdown with the given close code. The
// write pump observes the closed channel and delivers the close frame.
func (s *Subscriber) close(code int) {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.closeCode, int32(code))
		close(s.send)
	})
}

// Hub is the per-box fan-out: one subscriber set per operator channel, one
// per public box channel, plus the public aggregate set. Broadcast enqueues
// are non-blocking and happen under the read lock; a send queue is only
// closed under the write lock, after the subscriber left its set, so an
// enqueue can never race a close. The lock is never held across I/O.
type Hub struct {
	mu        sync.RWMutex
	operator  map[int]map[*Subscriber]struct{}
	public    map[int]map[*Subscriber]struct{}
	aggregate map[*Subscriber]struct{}

	cfg *Config
}

func NewHub(cfg *Config) *Hub {
	return &Hub{
		operator:  make(map[int]map[*Subscriber]struct{}),
		public:    make(map[int]map[*Subscriber]struct{}),
		aggregate: make(map[*Subscriber]struct{}),
		cfg:       cfg,
	}
}

// Subscribe registers a new subscriber on its channel.
func (h *Hub) Subscribe(sub *Subscriber) {
	h.mu.Lock()
	switch {
	case sub.boxID < 0:
		sub.channel = channelAggregate
		h.aggregate[sub] = struct{}{}
	case sub.public:
		sub.channel = channelPublic
		if h.public[sub.boxID] == nil {
			h.public[sub.boxID] = make(map[*Subscriber]struct{})
		}
		h.public[sub.boxID][sub] = struct{}{}
	default:
		sub.channel = channelOperator
		if h.operator[sub.boxID] == nil {
			h.operator[sub.boxID] = make(map[*Subscriber]struct{})
		}
		h.operator[sub.boxID][sub] = struct{}{}
	}
	h.mu.Unlock()
	observability.ConnectedSubscribers.WithLabelValues(sub.channel).Inc()
	log.Printf("ws subscriber joined channel=%s box=%d role=%s remote=%s", sub.channel, sub.boxID, sub.role, sub.remote)
}

// Unsubscribe removes a subscriber and closes its queue; idempotent.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.remove(sub, CloseNormal)
}

// remove unregisters the subscriber and closes its send queue with the
// given code. This is the only place a send channel is closed, and it
// happens under the write lock: in-flight enqueues hold the read lock
// and only reach subscribers still in a set.
func (h *Hub) remove(s *Subscriber, code int) bool {
	h.mu.Lock()
	removed := h.removeLocked(s)
	if removed {
		s.close(code)
	}
	h.mu.Unlock()
	if removed {
		observability.ConnectedSubscribers.WithLabelValues(s.channel).Dec()
	}
	return removed
}

func (h *Hub) removeLocked(s *Subscriber) bool {
	switch {
	case s.boxID < 0:
		if _, ok := h.aggregate[s]; ok {
			delete(h.aggregate, s)
			return true
		}
	case s.public:
		if set := h.public[s.boxID]; set != nil {
			if _, ok := set[s]; ok {
				delete(set, s)
				return true
			}
		}
	default:
		if set := h.operator[s.boxID]; set != nil {
			if _, ok := set[s]; ok {
				delete(set, s)
				return true
			}
		}
	}
	return false
}

func (h *Hub) memberLocked(s *Subscriber) bool {
	switch {
	case s.boxID < 0:
		_, ok := h.aggregate[s]
		return ok
	case s.public:
		_, ok := h.public[s.boxID][s]
		return ok
	default:
		_, ok := h.operator[s.boxID][s]
		return ok
	}
}

// broadcast enqueues frames to every subscriber in the picked set. Slow
// consumers are collected and dropped after the read lock is released.
// A subscriber joining mid-broadcast may miss the current frame; it
// receives the subsequent snapshot.
func (h *Hub) broadcast(pick func() map[*Subscriber]struct{}, frames [][]byte) {
	var slow []*Subscriber
	h.mu.RLock()
	for s := range pick() {
		for _, f := range frames {
			if !s.enqueue(f) {
				observability.BroadcastDropped.Inc()
				slow = append(slow, s)
				break
			}
		}
	}
	h.mu.RUnlock()
	for _, s := range slow {
		h.dropSlow(s)
	}
}

func (h *Hub) dropSlow(s *Subscriber) {
	if h.remove(s, CloseSlowConsumer) {
		observability.SlowConsumerCloses.Inc()
		log.Printf("ws subscriber dropped (slow consumer) channel=%s box=%d remote=%s", s.channel, s.boxID, s.remote)
	}
}

// BroadcastOperator delivers frames, in order, to every operator subscriber
// of a box.
func (h *Hub) BroadcastOperator(boxID int, frames ...[]byte) {
	h.broadcast(func() map[*Subscriber]struct{} { return h.operator[boxID] }, frames)
}

// BroadcastPublic delivers frames to the public per-box channel.
func (h *Hub) BroadcastPublic(boxID int, frames ...[]byte) {
	h.broadcast(func() map[*Subscriber]struct{} { return h.public[boxID] }, frames)
}

// BroadcastAggregate delivers frames to the public aggregate channel.
func (h *Hub) BroadcastAggregate(frames ...[]byte) {
	h.broadcast(func() map[*Subscriber]struct{} { return h.aggregate }, frames)
}

// BroadcastSnapshot marshals and delivers a snapshot to a box's operator
// subscribers. Used for terminal shutdown snapshots.
func (h *Hub) BroadcastSnapshot(boxID int, snap Snapshot) {
	frame, err := json.Marshal(snap)
	if err != nil {
		log.Printf("snapshot marshal failed for box %d: %v", boxID, err)
		return
	}
	h.BroadcastOperator(boxID, frame)
}

// Send delivers a frame to one subscriber, dropping it if slow. A
// subscriber that already left the hub is skipped.
func (h *Hub) Send(s *Subscriber, frame []byte) {
	h.mu.RLock()
	member := h.memberLocked(s)
	delivered := !member || s.enqueue(frame)
	h.mu.RUnlock()
	if !delivered {
		h.dropSlow(s)
	}
}

// CloseBox closes every subscriber of a box with the given code. 4409 marks
// box deletion; 1000 is the normal shutdown path.
func (h *Hub) CloseBox(boxID int, code int) {
	h.mu.Lock()
	closed := closeSet(h.operator[boxID], code)
	closed = append(closed, closeSet(h.public[boxID], code)...)
	delete(h.operator, boxID)
	delete(h.public, boxID)
	h.mu.Unlock()
	for _, s := range closed {
		observability.ConnectedSubscribers.WithLabelValues(s.channel).Dec()
	}
}

// CloseAggregate closes every aggregate subscriber.
func (h *Hub) CloseAggregate(code int) {
	h.mu.Lock()
	closed := closeSet(h.aggregate, code)
	h.aggregate = make(map[*Subscriber]struct{})
	h.mu.Unlock()
	for _, s := range closed {
		observability.ConnectedSubscribers.WithLabelValues(s.channel).Dec()
	}
}

func closeSet(set map[*Subscriber]struct{}, code int) []*Subscriber {
	out := make([]*Subscriber, 0, len(set))
	for s := range set {
		s.close(code)
		out = append(out, s)
	}
	return out
}

// NewSubscriber wires a connection into the hub with a bounded send queue.
func (h *Hub) NewSubscriber(conn *websocket.Conn, role string, boxID int, public bool, remote string) *Subscriber {
	return &Subscriber{
		conn:   conn,
		send:   make(chan []byte, h.cfg.SubscriberQueueDepth),
		role:   role,
		boxID:  boxID,
		public: public,
		remote: remote,
	}
}

// writePump drains the send queue to the socket and keeps the heartbeat:
// PING every PingInterval, write deadline on every frame. It exits when the
// send channel closes (delivering the close code) or on write error.
func (h *Hub) writePump(s *Subscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				code := int(atomic.LoadInt32(&s.closeCode))
				if code == 0 {
					code = CloseNormal
				}
				msg := websocket.FormatCloseMessage(code, "")
				s.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads inbound frames, renews the heartbeat deadline, and hands
// decoded commands to the handler. It exits on read error or pong timeout,
// then unregisters the subscriber.
func (h *Hub) readPump(s *Subscriber, handle func(*Subscriber, Command)) {
	defer h.remove(s, CloseNormal)

	s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws read error channel=%s box=%d remote=%s: %v", s.channel, s.boxID, s.remote, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue // malformed frames are dropped
		}
		if cmd.Type == CmdPong {
			continue // proactive heartbeat, deadline already renewed
		}
		if handle != nil {
			handle(s, cmd)
		}
	}
}

// Serve starts the read and write pumps for a registered subscriber.
func (h *Hub) Serve(s *Subscriber, handle func(*Subscriber, Command)) {
	go h.writePump(s)
	go h.readPump(s, handle)
}
