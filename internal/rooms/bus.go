// Package rooms is the per-room event bus: SSE fan-out with a
// replayable sequence-numbered buffer, keep-alive and stream-packet
// timers, and a coalescing per-room packet build gate.
package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/clock"
	"github.com/paperarena/arena/internal/metrics"
)

// Event types pushed to room subscribers.
const (
	EventStreamPacket     = "stream_packet"
	EventDecision         = "decision"
	EventChatPublicAppend = "chat_public_append"
)

// Event is one buffered room event. ID is the room-monotonic sequence.
type Event struct {
	ID    int64
	Event string
	Data  []byte
	TSMs  int64
}

// BusOptions tune buffering and timer cadence.
type BusOptions struct {
	BufferCap    int
	BufferTTL    time.Duration
	Keepalive    time.Duration
	MinPacketGap time.Duration
	MaxPacketGap time.Duration
}

func (o *BusOptions) defaults() {
	if o.BufferCap <= 0 {
		o.BufferCap = 200
	}
	if o.BufferTTL <= 0 {
		o.BufferTTL = 60 * time.Second
	}
	if o.Keepalive <= 0 {
		o.Keepalive = 15 * time.Second
	}
	if o.MinPacketGap <= 0 {
		o.MinPacketGap = 2 * time.Second
	}
	if o.MaxPacketGap <= 0 {
		o.MaxPacketGap = 60 * time.Second
	}
}

// SubscribeOptions are one SSE client's preferences.
type SubscribeOptions struct {
	DecisionLimit int
	Interval      time.Duration
	LastEventID   int64
}

// subscriber is one live SSE connection. Writes are serialized by the
// room lock; a failed write evicts the subscriber.
type subscriber struct {
	w           io.Writer
	flush       func()
	limit       int
	interval    time.Duration
	connectedMs int64
	done        chan struct{}
	gone        bool
}

func (s *subscriber) evictLocked() {
	if !s.gone {
		s.gone = true
		close(s.done)
	}
}

// room holds one room's subscribers, event buffer and timers.
type room struct {
	id     string
	mu     sync.Mutex
	seq    int64
	buffer []Event
	subs   map[*subscriber]struct{}
	// expiresAtMs is nonzero while the room has no subscribers; the
	// janitor collects the room after it passes.
	expiresAtMs int64
	timerCancel context.CancelFunc
	gate        *buildGate
}

// Bus owns all rooms and their timers.
type Bus struct {
	mu      sync.Mutex
	rooms   map[string]*room
	builder PacketBuilder
	opts    BusOptions
	clk     clock.Clock
	log     zerolog.Logger
}

// NewBus wires the event bus over a packet builder.
func NewBus(builder PacketBuilder, opts BusOptions, clk clock.Clock, log zerolog.Logger) *Bus {
	opts.defaults()
	return &Bus{
		rooms:   map[string]*room{},
		builder: builder,
		opts:    opts,
		clk:     clk,
		log:     log.With().Str("component", "room_bus").Logger(),
	}
}

func (b *Bus) getOrCreate(roomID string) *room {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	if !ok {
		r = &room{
			id:   roomID,
			subs: map[*subscriber]struct{}{},
			gate: newBuildGate(),
		}
		b.rooms[roomID] = r
	}
	return r
}

func (b *Bus) lookup(roomID string) *room {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rooms[roomID]
}

// BuildPacket runs or joins a synchronous packet build for the room.
func (b *Bus) BuildPacket(ctx context.Context, roomID string, decisionLimit int) (Packet, error) {
	r := b.getOrCreate(roomID)
	pkt, err := r.gate.do(ctx, roomID, decisionLimit, false, b.builder)
	if err != nil {
		metrics.RecordPacketBuild("error")
		return nil, err
	}
	metrics.RecordPacketBuild("built")
	return pkt, nil
}

// Publish records an event into the room buffer and broadcasts it to
// live subscribers. Rooms with neither subscribers nor an unexpired
// buffer drop the event.
func (b *Bus) Publish(roomID, event string, v any) {
	r := b.lookup(roomID)
	if r == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Warn().Err(err).Str("room_id", roomID).Str("event", event).Msg("Event marshal failed")
		return
	}
	now := b.clk.Now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) == 0 && (r.expiresAtMs == 0 || now >= r.expiresAtMs) {
		return
	}
	r.seq++
	ev := Event{ID: r.seq, Event: event, Data: data, TSMs: now}
	r.buffer = append(r.buffer, ev)
	if len(r.buffer) > b.opts.BufferCap {
		r.buffer = r.buffer[len(r.buffer)-b.opts.BufferCap:]
	}
	metrics.RoomEventsTotal.WithLabelValues(event).Inc()
	b.broadcastLocked(r, ev)
}

// broadcastLocked writes ev to every live subscriber, evicting any
// whose write fails.
func (b *Bus) broadcastLocked(r *room, ev Event) {
	for s := range r.subs {
		if err := writeSSE(s.w, ev); err != nil {
			s.evictLocked()
			delete(r.subs, s)
			continue
		}
		s.flush()
	}
	metrics.SSESubscribers.WithLabelValues(r.id).Set(float64(len(r.subs)))
}

// Serve attaches one SSE client to the room and blocks until the
// client disconnects or ctx ends. It writes the connected comment, the
// Last-Event-ID replay, then an initial stream packet, then live
// events as they are published.
func (b *Bus) Serve(ctx context.Context, roomID string, w http.ResponseWriter, opts SubscribeOptions) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}
	if opts.DecisionLimit <= 0 {
		opts.DecisionLimit = 20
	}
	if opts.Interval <= 0 {
		opts.Interval = b.opts.MaxPacketGap
	}

	r := b.getOrCreate(roomID)
	sub := &subscriber{
		w:           w,
		flush:       flusher.Flush,
		limit:       opts.DecisionLimit,
		interval:    opts.Interval,
		connectedMs: b.clk.Now().UnixMilli(),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		r.mu.Unlock()
		return err
	}
	flusher.Flush()
	// Replay everything buffered past the client's last seen id.
	if opts.LastEventID > 0 {
		for _, ev := range r.buffer {
			if ev.ID <= opts.LastEventID {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				r.mu.Unlock()
				return err
			}
		}
		flusher.Flush()
	}
	r.subs[sub] = struct{}{}
	r.expiresAtMs = 0
	first := len(r.subs) == 1
	metrics.SSESubscribers.WithLabelValues(roomID).Set(float64(len(r.subs)))
	r.mu.Unlock()

	if first {
		b.startTimers(r)
	}

	// Initial snapshot joins any in-flight build rather than skipping.
	if pkt, err := r.gate.do(ctx, roomID, opts.DecisionLimit, false, b.builder); err == nil {
		b.publishPacket(r, pkt)
	} else {
		b.log.Warn().Err(err).Str("room_id", roomID).Msg("Initial packet build failed")
	}

	select {
	case <-ctx.Done():
	case <-sub.done:
	}
	b.detach(r, sub)
	return nil
}

// publishPacket records and broadcasts a freshly built stream packet.
func (b *Bus) publishPacket(r *room, pkt Packet) {
	data, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	now := b.clk.Now().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) == 0 && (r.expiresAtMs == 0 || now >= r.expiresAtMs) {
		return
	}
	r.seq++
	ev := Event{ID: r.seq, Event: EventStreamPacket, Data: data, TSMs: now}
	r.buffer = append(r.buffer, ev)
	if len(r.buffer) > b.opts.BufferCap {
		r.buffer = r.buffer[len(r.buffer)-b.opts.BufferCap:]
	}
	metrics.RoomEventsTotal.WithLabelValues(EventStreamPacket).Inc()
	b.broadcastLocked(r, ev)
}

func (b *Bus) detach(r *room, sub *subscriber) {
	r.mu.Lock()
	sub.evictLocked()
	delete(r.subs, sub)
	empty := len(r.subs) == 0
	if empty {
		r.expiresAtMs = b.clk.Now().Add(b.opts.BufferTTL).UnixMilli()
		if r.timerCancel != nil {
			r.timerCancel()
			r.timerCancel = nil
		}
	}
	metrics.SSESubscribers.WithLabelValues(r.id).Set(float64(len(r.subs)))
	r.mu.Unlock()
}

// startTimers launches the keep-alive and packet timers for a room that
// just gained its first subscriber.
func (b *Bus) startTimers(r *room) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.timerCancel != nil {
		r.mu.Unlock()
		cancel()
		return
	}
	r.timerCancel = cancel
	r.mu.Unlock()

	go b.keepaliveLoop(ctx, r)
	go b.packetLoop(ctx, r)
}

func (b *Bus) keepaliveLoop(ctx context.Context, r *room) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.clk.After(b.opts.Keepalive):
			r.mu.Lock()
			for s := range r.subs {
				if _, err := io.WriteString(s.w, ": keepalive\n\n"); err != nil {
					s.evictLocked()
					delete(r.subs, s)
					continue
				}
				s.flush()
			}
			metrics.SSESubscribers.WithLabelValues(r.id).Set(float64(len(r.subs)))
			r.mu.Unlock()
		}
	}
}

// packetLoop rebuilds the stream packet on the subscriber-driven
// cadence. Interval is recomputed each round so a new subscriber with a
// tighter interval takes effect on the next tick. Timer builds skip
// when one is already in flight.
func (b *Bus) packetLoop(ctx context.Context, r *room) {
	for {
		interval, limit := b.packetParams(r)
		select {
		case <-ctx.Done():
			return
		case <-b.clk.After(interval):
			pkt, err := r.gate.do(ctx, r.id, limit, true, b.builder)
			switch {
			case err == ErrBuildSkipped:
				metrics.RecordPacketBuild("skipped")
			case err != nil:
				metrics.RecordPacketBuild("error")
				b.log.Warn().Err(err).Str("room_id", r.id).Msg("Timer packet build failed")
			default:
				metrics.RecordPacketBuild("built")
				b.publishPacket(r, pkt)
			}
		}
	}
}

// packetParams derives the timer interval (clamped minimum over
// subscribers) and the build limit (maximum over subscribers).
func (b *Bus) packetParams(r *room) (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	interval := b.opts.MaxPacketGap
	limit := 20
	for s := range r.subs {
		if s.interval < interval {
			interval = s.interval
		}
		if s.limit > limit {
			limit = s.limit
		}
	}
	if interval < b.opts.MinPacketGap {
		interval = b.opts.MinPacketGap
	}
	return interval, limit
}

// Subscribers reports the live subscriber count of one room.
func (b *Bus) Subscribers(roomID string) int {
	r := b.lookup(roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Stats reports per-room build-gate counters and subscriber counts.
func (b *Bus) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]any{}
	for id, r := range b.rooms {
		r.mu.Lock()
		out[id] = map[string]any{
			"subscribers": len(r.subs),
			"seq":         r.seq,
			"buffered":    len(r.buffer),
			"builds":      r.gate.snapshot(),
		}
		r.mu.Unlock()
	}
	return out
}

// Collect removes rooms whose buffer TTL has passed with no
// subscribers. The app runs this periodically.
func (b *Bus) Collect() {
	now := b.clk.Now().UnixMilli()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, r := range b.rooms {
		r.mu.Lock()
		dead := len(r.subs) == 0 && r.expiresAtMs != 0 && now >= r.expiresAtMs
		r.mu.Unlock()
		if dead {
			delete(b.rooms, id)
		}
	}
}

// Shutdown evicts every subscriber so in-flight Serve calls return.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.rooms {
		r.mu.Lock()
		if r.timerCancel != nil {
			r.timerCancel()
			r.timerCancel = nil
		}
		for s := range r.subs {
			s.evictLocked()
			delete(r.subs, s)
		}
		r.mu.Unlock()
	}
}

// writeSSE frames one event onto the wire.
func writeSSE(w io.Writer, ev Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Event, ev.Data)
	return err
}
