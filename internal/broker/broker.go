package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/edgefusion/internal/monitoring"
)

// subscriberBuffer is the small per-subscriber queue depth. Beyond this the
// broker's fanout is non-blocking and drops (policy: newest wins), per
// spec.md 4.1's subscriber-disconnect/backpressure semantics.
const subscriberBuffer = 32

// Broker is the in-process message fabric the core depends on: pub/sub
// topics, bounded append-only streams with a per-reader cursor, and a
// string-keyed cache with optional TTL. No component imports another
// component directly; everyone talks through this contract.
type Broker interface {
	// Publish fans a record out to every current subscriber of topic. A
	// publish never fails the caller for lack of subscribers; it only
	// returns an error if the broker itself is shut down.
	Publish(topic string, rec Record) error

	// Subscribe registers a new subscriber on topic and returns its
	// unsubscribe id plus a receive-only channel of records.
	Subscribe(topic string) (id string, ch <-chan Record)

	// Unsubscribe removes a subscriber and closes its channel. Safe to call
	// more than once.
	Unsubscribe(topic, id string)

	// Append adds a record to a bounded stream, evicting the oldest entry
	// once the stream's maxlen is exceeded.
	Append(stream string, rec Record) error

	// Read returns records after cursor (exclusive) up to the stream's
	// current tail, plus the new cursor value to resume from.
	Read(stream string, cursor int) (recs []Record, newCursor int)

	// Latest returns the most recently appended record on stream, if any.
	Latest(stream string) (Record, bool)

	// CacheSet writes key with an optional TTL (zero means no expiry).
	CacheSet(key string, rec Record, ttl time.Duration)

	// CacheGet reads key; ok is false if absent or expired.
	CacheGet(key string) (rec Record, ok bool)

	// Close tears down all subscribers and releases resources.
	Close()
}

type topicSub struct {
	id string
	ch chan Record
}

type stream struct {
	mu      sync.Mutex
	maxLen  int
	entries []Record
	cursor  int // total records ever appended; entries[i] has seq (cursor-len(entries)+1+i)
}

type cacheEntry struct {
	rec       Record
	expiresAt time.Time // zero means no expiry
}

// memBroker is the in-process Broker implementation. Its subscriber
// bookkeeping (map of channels per topic, non-blocking select-based fanout)
// is grounded on internal/serialmux.SerialMux's Subscribe/Unsubscribe/fanout
// shape, with subscribers identified by a string id per topic, adapted here
// to a fixed, multi-topic namespace instead of one mux per serial port.
type memBroker struct {
	subMu sync.Mutex
	subs  map[string][]topicSub // topic -> subscribers

	streamMu sync.Mutex
	streams  map[string]*stream

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	closing bool
}

// New constructs an in-process Broker with the fixed streams this core uses
// pre-registered at their spec'd maxlen.
func New() Broker {
	b := &memBroker{
		subs:    make(map[string][]topicSub),
		streams: make(map[string]*stream),
		cache:   make(map[string]cacheEntry),
	}
	b.streams[StreamRadarData] = &stream{maxLen: StreamRadarDataMaxLen}
	b.streams[StreamConsolidatedTraffic] = &stream{maxLen: StreamConsolidatedTrafficMax}
	return b
}

func (b *memBroker) Publish(topic string, rec Record) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.closing {
		return errClosed
	}
	for _, s := range b.subs[topic] {
		select {
		case s.ch <- rec:
		default:
			// Buffer full: drop the oldest queued record to make room.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- rec:
			default:
			}
			monitoring.Logf("broker: dropping oldest record for slow subscriber on topic %s", topic)
		}
	}
	return nil
}

func (b *memBroker) Subscribe(topic string) (string, <-chan Record) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := uuid.NewString()
	ch := make(chan Record, subscriberBuffer)
	b.subs[topic] = append(b.subs[topic], topicSub{id: id, ch: ch})
	return id, ch
}

func (b *memBroker) Unsubscribe(topic, id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			close(s.ch)
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *memBroker) Append(name string, rec Record) error {
	b.streamMu.Lock()
	s, ok := b.streams[name]
	b.streamMu.Unlock()
	if !ok {
		// Unregistered stream names are still accepted, bounded at
		// StreamRadarDataMaxLen entries, so ad hoc test streams work without
		// pre-registration.
		b.streamMu.Lock()
		s = &stream{maxLen: StreamRadarDataMaxLen}
		b.streams[name] = s
		b.streamMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, rec)
	s.cursor++
	if len(s.entries) > s.maxLen {
		s.entries = s.entries[len(s.entries)-s.maxLen:]
	}
	return nil
}

func (b *memBroker) Read(name string, cursor int) ([]Record, int) {
	b.streamMu.Lock()
	s, ok := b.streams[name]
	b.streamMu.Unlock()
	if !ok {
		return nil, cursor
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	firstSeq := s.cursor - len(s.entries) + 1
	if cursor < firstSeq-1 {
		cursor = firstSeq - 1
	}
	skip := cursor - (firstSeq - 1)
	if skip >= len(s.entries) {
		return nil, s.cursor
	}
	out := make([]Record, len(s.entries)-skip)
	copy(out, s.entries[skip:])
	return out, s.cursor
}

func (b *memBroker) Latest(name string) (Record, bool) {
	b.streamMu.Lock()
	s, ok := b.streams[name]
	b.streamMu.Unlock()
	if !ok {
		return Record{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Record{}, false
	}
	return s.entries[len(s.entries)-1], true
}

func (b *memBroker) CacheSet(key string, rec Record, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	b.cache[key] = cacheEntry{rec: rec, expiresAt: expires}
}

func (b *memBroker) CacheGet(key string) (Record, bool) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	entry, ok := b.cache[key]
	if !ok {
		return Record{}, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(b.cache, key)
		return Record{}, false
	}
	return entry.rec, true
}

func (b *memBroker) Close() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.closing {
		return
	}
	b.closing = true
	for topic, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
		delete(b.subs, topic)
	}
}

type brokerClosedError struct{}

func (brokerClosedError) Error() string { return "broker: closed" }

var errClosed = brokerClosedError{}
