// Package ws fans live log lines out to streaming clients.
package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by site ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	done      chan struct{}
	closeOnce sync.Once
}

// message couples payload with site identifier.
type message struct {
	siteID  string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	siteID string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 256),
		count:     make(chan chan int),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.siteID]; !ok {
				h.clients[sub.siteID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.siteID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.siteID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.siteID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.siteID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.siteID)
				}
			}
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		}
	}
}

// Register adds a client to a site stream.
func (h *Hub) Register(siteID string, client Subscriber) {
	select {
	case h.register <- subscription{siteID: siteID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(siteID string, client Subscriber) {
	select {
	case h.unreg <- subscription{siteID: siteID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to all clients of a site. It drops the payload when the hub is
// backed up rather than stalling the writer.
func (h *Hub) Broadcast(siteID string, payload []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- message{siteID: siteID, payload: payload}:
		return true
	case <-h.done:
		return false
	default:
		return false
	}
}

// Subscribers reports how many clients are connected.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
