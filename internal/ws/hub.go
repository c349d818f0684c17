package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages live job-log stream subscriptions keyed by job ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples a payload with the job it belongs to.
type message struct {
	jobID   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	jobID  string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.jobID]; !ok {
				h.clients[sub.jobID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.jobID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.jobID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.jobID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.jobID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.jobID)
				}
			}
		}
	}
}

// Register adds a client to a job's log stream.
func (h *Hub) Register(jobID string, client Subscriber) {
	h.register <- subscription{jobID: jobID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(jobID string, client Subscriber) {
	h.unreg <- subscription{jobID: jobID, client: client}
}

// Broadcast sends a payload to every client watching the job.
func (h *Hub) Broadcast(jobID string, payload []byte) {
	h.broadcast <- message{jobID: jobID, payload: payload}
}
