package api

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.io/infrasutra/btmap/internal/events"
)

const accessTopic = "access"

// AccessRequest is a peer waiting for an access decision.
type AccessRequest struct {
	Peer        string    `json:"peer"`
	RequestedAt time.Time `json:"requested_at"`
}

// AccessBroker collects access requests from the orchestrator until an
// operator answers them over the API. Requests older than ttl are dropped;
// the orchestrator has rejected them by then.
type AccessBroker struct {
	ttl    time.Duration
	hub    *events.Hub[AccessRequest]
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]AccessRequest
	now     func() time.Time
}

func NewAccessBroker(ttl time.Duration, logger *slog.Logger) *AccessBroker {
	return &AccessBroker{
		ttl:     ttl,
		hub:     events.NewHub[AccessRequest](8),
		logger:  logger,
		pending: make(map[string]AccessRequest),
		now:     time.Now,
	}
}

// RequestAccess records the request and announces it on the stream.
func (b *AccessBroker) RequestAccess(peer string) {
	req := AccessRequest{Peer: strings.ToUpper(peer), RequestedAt: b.now()}
	b.mu.Lock()
	b.pending[req.Peer] = req
	b.mu.Unlock()
	b.logger.Info("access requested", "peer", req.Peer)
	b.hub.Publish(accessTopic, req)
}

// Pending lists the unexpired requests, oldest first.
func (b *AccessBroker) Pending() []AccessRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make([]AccessRequest, 0, len(b.pending))
	for peer, req := range b.pending {
		if b.ttl > 0 && now.Sub(req.RequestedAt) > b.ttl {
			delete(b.pending, peer)
			continue
		}
		out = append(out, req)
	}
	slices.SortFunc(out, func(a, b AccessRequest) int {
		return a.RequestedAt.Compare(b.RequestedAt)
	})
	return out
}

// resolve drops the request of peer and reports whether it was pending.
func (b *AccessBroker) resolve(peer string) bool {
	peer = strings.ToUpper(peer)
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.pending[peer]
	delete(b.pending, peer)
	return ok && (b.ttl <= 0 || b.now().Sub(req.RequestedAt) <= b.ttl)
}

func (b *AccessBroker) subscribe() (<-chan AccessRequest, func()) {
	return b.hub.Subscribe(accessTopic)
}
