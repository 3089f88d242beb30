// Package subscribe provides a typed publish/subscribe server used to fan
// directory and bootstrap events out to any number of listeners.
package subscribe

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrServerShuttingDown is an error returned in case the server is in the
// process of shutting down.
var ErrServerShuttingDown = errors.New("subscription server shutting down")

// ErrServerNotStarted is returned when an update is sent before the server
// was started.
var ErrServerNotStarted = errors.New("subscription server not started")

// defaultQueueSize is the initial buffer of every client's update queue. The
// queue grows beyond it, so a slow client never blocks the server.
const defaultQueueSize = 20

// Client receives the updates of a Server it has subscribed to.
type Client[T any] struct {
	id     uint64
	server *Server[T]

	updates *queue.ConcurrentQueue
	out     chan T

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// Updates returns a channel on which every update sent after the
// subscription was made is delivered, in order.
func (c *Client[T]) Updates() <-chan T {
	return c.out
}

// Quit is closed once the server no longer delivers updates to this client.
func (c *Client[T]) Quit() <-chan struct{} {
	return c.quit
}

// Cancel ends the subscription.
func (c *Client[T]) Cancel() {
	select {
	case c.server.clientUpdates <- &clientUpdate[T]{
		cancel:   true,
		clientID: c.id,
	}:
	case <-c.server.quit:
	}
}

// start launches the client's queue and the goroutine converting its
// untyped output back into T.
func (c *Client[T]) start() {
	c.updates.Start()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for {
			select {
			case item, ok := <-c.updates.ChanOut():
				if !ok {
					return
				}

				upd, ok := item.(T)
				if !ok {
					continue
				}

				select {
				case c.out <- upd:
				case <-c.quit:
					return
				}

			case <-c.quit:
				return
			}
		}
	}()
}

// stop tears the client down. It is only called from the server's handler.
func (c *Client[T]) stop() {
	c.quitOnce.Do(func() {
		close(c.quit)
	})
	c.updates.Stop()
	c.wg.Wait()
}

// Server manages a set of subscriptions. Every update is delivered to all
// clients that are subscribed at the time it is sent.
type Server[T any] struct {
	clientCounter atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	clients       map[uint64]*Client[T]
	clientUpdates chan *clientUpdate[T]

	updates chan T

	quit chan struct{}
	wg   sync.WaitGroup
}

// clientUpdate registers or cancels a client. It is only handled by the
// server's main goroutine.
type clientUpdate[T any] struct {
	cancel   bool
	clientID uint64
	client   *Client[T]
}

// NewServer returns a new Server.
func NewServer[T any]() *Server[T] {
	return &Server[T]{
		clients:       make(map[uint64]*Client[T]),
		clientUpdates: make(chan *clientUpdate[T]),
		updates:       make(chan T),
		quit:          make(chan struct{}),
	}
}

// Start starts the Server, making it ready to accept subscriptions and
// updates.
func (s *Server[T]) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.wg.Add(1)
	go s.subscriptionHandler()

	return nil
}

// Stop stops the server and all of its clients.
func (s *Server[T]) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	return nil
}

// Subscribe returns a Client that will receive every update sent from now
// on.
func (s *Server[T]) Subscribe() (*Client[T], error) {
	client := &Client[T]{
		id:      s.clientCounter.Add(1),
		server:  s,
		updates: queue.NewConcurrentQueue(defaultQueueSize),
		out:     make(chan T),
		quit:    make(chan struct{}),
	}

	select {
	case s.clientUpdates <- &clientUpdate[T]{
		clientID: client.id,
		client:   client,
	}:
	case <-s.quit:
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// SendUpdate delivers update to all currently active clients.
func (s *Server[T]) SendUpdate(update T) error {
	if !s.started.Load() {
		return ErrServerNotStarted
	}

	select {
	case s.updates <- update:
		return nil
	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// subscriptionHandler serialises client registration and update delivery.
//
// NOTE: MUST be run as a goroutine.
func (s *Server[T]) subscriptionHandler() {
	defer s.wg.Done()

	// Whatever the reason for exiting, no client may be left waiting.
	defer func() {
		for id, client := range s.clients {
			client.stop()
			delete(s.clients, id)
		}
	}()

	for {
		select {
		case update := <-s.clientUpdates:
			if update.cancel {
				client, ok := s.clients[update.clientID]
				if ok {
					client.stop()
					delete(s.clients, update.clientID)
				}

				continue
			}

			update.client.start()
			s.clients[update.clientID] = update.client

		case upd := <-s.updates:
			for _, client := range s.clients {
				select {
				case client.updates.ChanIn() <- upd:
				case <-client.quit:
				case <-s.quit:
					return
				}
			}

		case <-s.quit:
			return
		}
	}
}
