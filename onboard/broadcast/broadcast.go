package broadcast

import (
	"sync"
)

const SUBSCRIBER_BUFFER = 32

// Broker fans published messages out to every subscriber. Publishing never waits on a slow subscriber, a
// subscriber whose buffer is full misses that message.
type Broker struct {
	publish     chan interface{}
	subscribe   chan chan interface{}
	unsubscribe chan chan interface{}
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewBroker() *Broker {
	b := &Broker{
		publish:     make(chan interface{}, SUBSCRIBER_BUFFER),
		subscribe:   make(chan chan interface{}),
		unsubscribe: make(chan chan interface{}),
		done:        make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()

	return b
}

func (b *Broker) run() {
	defer b.wg.Done()
	subscribers := map[chan interface{}]struct{}{}

	for {
		select {
		case c := <-b.subscribe:
			subscribers[c] = struct{}{}

		case c := <-b.unsubscribe:
			if _, ok := subscribers[c]; ok {
				delete(subscribers, c)
				close(c)
			}

		case msg := <-b.publish:
			for c := range subscribers {
				select {
				case c <- msg:
				default:
				}
			}

		case <-b.done:
			for c := range subscribers {
				close(c)
			}
			return
		}
	}
}

// Subscribe returns a channel receiving every message published from now on. It is closed by Unsubscribe or Close.
func (b *Broker) Subscribe() chan interface{} {
	c := make(chan interface{}, SUBSCRIBER_BUFFER)
	select {
	case b.subscribe <- c:
	case <-b.done:
		close(c)
	}
	return c
}

func (b *Broker) Unsubscribe(c chan interface{}) {
	select {
	case b.unsubscribe <- c:
	case <-b.done:
	}
}

// Publish hands msg to the broker. It drops the message rather than block when the broker is backed up.
func (b *Broker) Publish(msg interface{}) {
	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.publish <- msg:
	default:
	}
}

func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}
