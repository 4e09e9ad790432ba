// Package pubsub implements the topic-indexed publish/subscribe relay:
// subscribers register interest in named topics and receive every message
// published to those topics, in publish order, on a bounded per-subscriber
// queue. Subscribers bound to a session are torn down together when that
// session ends. Grounded on the teacher's pkg/events.Broker (buffered
// channel per subscriber, non-blocking broadcast that drops on a full
// queue), generalized from broadcast-to-everyone into per-topic delivery
// per the original PubSub trait's fan-out and ordering guarantees.
package pubsub

import (
	"sync"

	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/types"
)

// subscriberQueueSize bounds how many undelivered messages a slow
// subscriber may accumulate; a publish that finds the queue full evicts
// the subscriber rather than blocking the publisher.
const subscriberQueueSize = 64

// Subscriber is a single registered listener. Receive reads its queue;
// Unsubscribe/Close detach it from the Relay.
type Subscriber struct {
	id        types.SubscriberID
	sessionID *types.SessionID
	queue     chan types.Message
	relay     *Relay

	mu     sync.Mutex
	topics map[string]struct{}
}

// ID returns the subscriber's identity.
func (s *Subscriber) ID() types.SubscriberID { return s.id }

// Receive returns the channel messages for this subscriber's topics
// arrive on. The channel is closed when the subscriber is unsubscribed
// from the relay.
func (s *Subscriber) Receive() <-chan types.Message { return s.queue }

// Subscribe registers interest in topic. Subscribing to an
// already-subscribed topic is a no-op.
func (s *Subscriber) Subscribe(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
	s.relay.index(s, topic, true)
}

// Unsubscribe removes interest in topic. Messages published while
// unsubscribed are not delivered even if the subscriber later
// re-subscribes to the same topic.
func (s *Subscriber) Unsubscribe(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
	s.relay.index(s, topic, false)
}

func (s *Subscriber) subscribedTo(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

// Relay owns every subscriber and the topic index used to route
// published messages to interested subscribers.
type Relay struct {
	mu          sync.RWMutex
	subscribers map[types.SubscriberID]*Subscriber
	byTopic     map[string]map[types.SubscriberID]*Subscriber
	bySession   map[types.SessionID]map[types.SubscriberID]struct{}
	nextID      types.SubscriberID
}

// NewRelay returns an empty Relay.
func NewRelay() *Relay {
	return &Relay{
		subscribers: make(map[types.SubscriberID]*Subscriber),
		byTopic:     make(map[string]map[types.SubscriberID]*Subscriber),
		bySession:   make(map[types.SessionID]map[types.SubscriberID]struct{}),
	}
}

// CreateSubscriber registers a new, initially topic-less Subscriber,
// optionally bound to sessionID so DropSession can tear it down.
func (r *Relay) CreateSubscriber(sessionID *types.SessionID) *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscriber{
		id:        r.nextID,
		sessionID: sessionID,
		queue:     make(chan types.Message, subscriberQueueSize),
		relay:     r,
		topics:    make(map[string]struct{}),
	}
	r.subscribers[sub.id] = sub
	if sessionID != nil {
		if r.bySession[*sessionID] == nil {
			r.bySession[*sessionID] = make(map[types.SubscriberID]struct{})
		}
		r.bySession[*sessionID][sub.id] = struct{}{}
	}
	metrics.SubscribersTotal.Set(float64(len(r.subscribers)))
	return sub
}

func (r *Relay) index(sub *Subscriber, topic string, add bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if add {
		if r.byTopic[topic] == nil {
			r.byTopic[topic] = make(map[types.SubscriberID]*Subscriber)
		}
		r.byTopic[topic][sub.id] = sub
		return
	}

	if set := r.byTopic[topic]; set != nil {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(r.byTopic, topic)
		}
	}
}

// Close detaches subscriberID from the relay, closing its queue.
func (r *Relay) Close(subscriberID types.SubscriberID) {
	r.mu.Lock()
	sub, ok := r.subscribers[subscriberID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.subscribers, subscriberID)
	if sub.sessionID != nil {
		if set := r.bySession[*sub.sessionID]; set != nil {
			delete(set, subscriberID)
			if len(set) == 0 {
				delete(r.bySession, *sub.sessionID)
			}
		}
	}
	for topic, set := range r.byTopic {
		delete(set, subscriberID)
		if len(set) == 0 {
			delete(r.byTopic, topic)
		}
	}
	metrics.SubscribersTotal.Set(float64(len(r.subscribers)))
	r.mu.Unlock()

	close(sub.queue)
}

// DropSession closes every subscriber owned by sessionID, used on
// session teardown.
func (r *Relay) DropSession(sessionID types.SessionID) {
	r.mu.RLock()
	ids := make([]types.SubscriberID, 0, len(r.bySession[sessionID]))
	for id := range r.bySession[sessionID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Close(id)
	}
}

// Publish delivers payload on topic to every currently-subscribed
// subscriber, in this call's order relative to other Publish calls on
// the same topic. A subscriber whose queue is full cannot keep up and is
// evicted from the relay rather than blocking the publisher.
func (r *Relay) Publish(topic string, payload []byte) {
	r.mu.RLock()
	subs := make([]*Subscriber, 0, len(r.byTopic[topic]))
	for _, sub := range r.byTopic[topic] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	msg := types.Message{Topic: topic, Payload: payload}
	for _, sub := range subs {
		select {
		case sub.queue <- msg:
		default:
			metrics.PubSubMessagesDropped.WithLabelValues(topic).Inc()
			r.Close(sub.id)
		}
	}
	metrics.PubSubMessagesPublished.WithLabelValues(topic).Inc()
}

// SubscriberCount returns the number of currently registered subscribers.
func (r *Relay) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}
