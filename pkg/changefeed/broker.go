/*
Package changefeed implements satchel's monotonic sequence log of
revision commits.

The live fan-out half of this package (Broker/Subscriber/Publish) is
grounded on cuemby-warren/pkg/events.Broker: a buffered dispatch channel
plus a subscriber set owned by a single run goroutine (driven by the
subscribe, unsubscribe, publish and stop channels), generalized from cluster lifecycle
events to ChangeEntry values. The durable half (Since, implemented in
store.go) answers the same question from KVP directly, for consumers
that were not subscribed when a change happened — the replicator's
Changes step and crash recovery both need that, and an in-process
channel cannot serve either.
*/
package changefeed

// ChangeEntry describes one committed revision as surfaced by the feed.
type ChangeEntry struct {
	Seq          uint64
	DocID        string
	RevID        string
	Deleted      bool
	WinningRevID string
}

// Subscriber is a channel that receives ChangeEntry values as they commit.
type Subscriber chan ChangeEntry

const subscriberBuffer = 64

// Broker fans out committed changes to in-process subscribers. It does
// not persist anything; durable iteration is Store.Since.
type Broker struct {
	subscribe   chan chan Subscriber
	unsubscribe chan Subscriber
	publish     chan ChangeEntry
	stopCh      chan struct{}
}

// NewBroker creates and starts a change feed broker.
func NewBroker() *Broker {
	b := &Broker{
		subscribe:   make(chan chan Subscriber),
		unsubscribe: make(chan Subscriber),
		publish:     make(chan ChangeEntry, 256),
		stopCh:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	reply := make(chan Subscriber)
	select {
	case b.subscribe <- reply:
		return <-reply
	case <-b.stopCh:
		closed := make(Subscriber)
		close(closed)
		return closed
	}
}

// Unsubscribe removes sub from the subscriber set and closes it.
func (b *Broker) Unsubscribe(sub Subscriber) {
	select {
	case b.unsubscribe <- sub:
	case <-b.stopCh:
	}
}

// Publish announces a committed change to every current subscriber.
// Slow subscribers drop entries rather than block the publisher.
func (b *Broker) Publish(entry ChangeEntry) {
	select {
	case b.publish <- entry:
	case <-b.stopCh:
	}
}

// Stop shuts the broker down, closing every live subscriber channel.
func (b *Broker) Stop() {
	close(b.stopCh)
}

func (b *Broker) run() {
	subscribers := make(map[Subscriber]struct{})
	for {
		select {
		case reply := <-b.subscribe:
			sub := make(Subscriber, subscriberBuffer)
			subscribers[sub] = struct{}{}
			reply <- sub

		case sub := <-b.unsubscribe:
			if _, ok := subscribers[sub]; ok {
				delete(subscribers, sub)
				close(sub)
			}

		case entry := <-b.publish:
			for sub := range subscribers {
				select {
				case sub <- entry:
				default:
					// subscriber buffer full; it will catch up via Since.
				}
			}

		case <-b.stopCh:
			for sub := range subscribers {
				close(sub)
			}
			return
		}
	}
}
