package app

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
)

type PeerState int

const (
	PeerJoined PeerState = iota
	PeerNegotiating
	PeerActive
	PeerClosing
	PeerGone
)

func (s PeerState) String() string {
	switch s {
	case PeerJoined:
		return "joined"
	case PeerNegotiating:
		return "negotiating"
	case PeerActive:
		return "active"
	case PeerClosing:
		return "closing"
	case PeerGone:
		return "gone"
	}
	return fmt.Sprintf("PeerState(%d)", int(s))
}

var ErrPeerClosed = fmt.Errorf("peer closed: %w", domain.ErrPeerNotFound)

// Peer is one participant's media state inside a Room. A Peer is never
// reused: a re-join installs a new Peer.
type Peer struct {
	ID     domain.PeerID
	UserID domain.UserID
	Conn   core.SignalConnection

	mu         sync.Mutex
	state      PeerState
	transports map[domain.Direction]core.Transport
	producers  map[domain.MediaKind]core.Producer
	consumers  []core.Consumer
	quality    domain.Quality
	buffering  bool
}

func NewPeer(id domain.PeerID, user domain.UserID, conn core.SignalConnection) *Peer {
	return &Peer{
		ID:         id,
		UserID:     user,
		Conn:       conn,
		transports: make(map[domain.Direction]core.Transport),
		producers:  make(map[domain.MediaKind]core.Producer),
		quality:    domain.QualityGood,
	}
}

func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) advance(to PeerState) {
	if p.state < to {
		p.state = to
	}
}

func (p *Peer) Transport(dir domain.Direction) (core.Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transports[dir]
	return t, ok
}

// SetTransport installs t for dir and returns the transport it replaced.
func (p *Peer) SetTransport(dir domain.Direction, t core.Transport) (core.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state >= PeerClosing {
		return nil, ErrPeerClosed
	}
	old := p.transports[dir]
	p.transports[dir] = t
	p.advance(PeerNegotiating)
	return old, nil
}

// DropTransport forgets t if it is still installed for dir.
func (p *Peer) DropTransport(dir domain.Direction, t core.Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transports[dir] == t {
		delete(p.transports, dir)
	}
}

func (p *Peer) Producer(kind domain.MediaKind) (core.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.producers[kind]
	if ok && pr.Closed() {
		delete(p.producers, kind)
		return nil, false
	}
	return pr, ok
}

// SetProducer installs pr for its kind and returns the producer it replaced.
func (p *Peer) SetProducer(pr core.Producer) (core.Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state >= PeerClosing {
		return nil, ErrPeerClosed
	}
	old := p.producers[pr.Kind()]
	p.producers[pr.Kind()] = pr
	p.advance(PeerActive)
	return old, nil
}

// ProducedKinds lists the kinds with a live producer.
func (p *Peer) ProducedKinds() []domain.MediaKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.producedKindsLocked()
}

func (p *Peer) producedKindsLocked() []domain.MediaKind {
	var kinds []domain.MediaKind
	for _, k := range []domain.MediaKind{domain.KindAudio, domain.KindVideo} {
		if pr, ok := p.producers[k]; ok && !pr.Closed() {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (p *Peer) AddConsumer(c core.Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state >= PeerClosing {
		return ErrPeerClosed
	}
	p.consumers = append(p.consumers, c)
	p.advance(PeerActive)
	return nil
}

// Consumers returns the live consumers in creation order.
func (p *Peer) Consumers() []core.Consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.consumers[:0]
	for _, c := range p.consumers {
		if !c.Closed() {
			live = append(live, c)
		}
	}
	p.consumers = live
	return append([]core.Consumer(nil), live...)
}

func (p *Peer) Consumer(id string) (core.Consumer, bool) {
	for _, c := range p.Consumers() {
		if c.ID() == id {
			return c, true
		}
	}
	return nil, false
}

// FirstConsumer returns the oldest live consumer of kind.
func (p *Peer) FirstConsumer(kind domain.MediaKind) (core.Consumer, bool) {
	for _, c := range p.Consumers() {
		if c.Kind() == kind {
			return c, true
		}
	}
	return nil, false
}

func (p *Peer) Quality() domain.Quality {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quality
}

func (p *Peer) SetQuality(q domain.Quality) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quality = q
}

func (p *Peer) Buffering() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffering
}

func (p *Peer) SetBuffering(b bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffering = b
}

// Close tears down every transport, producer and consumer of the peer and
// returns the kinds it was producing. Calling Close twice is a no-op.
func (p *Peer) Close() []domain.MediaKind {
	p.mu.Lock()
	if p.state >= PeerClosing {
		p.mu.Unlock()
		return nil
	}
	p.state = PeerClosing
	kinds := p.producedKindsLocked()
	transports := p.transports
	producers := p.producers
	consumers := p.consumers
	p.transports = make(map[domain.Direction]core.Transport)
	p.producers = make(map[domain.MediaKind]core.Producer)
	p.consumers = nil
	p.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, pr := range producers {
		pr.Close()
	}
	for _, c := range consumers {
		c.Close()
	}

	p.mu.Lock()
	p.state = PeerGone
	p.mu.Unlock()
	return kinds
}

// Room is the media context of one live session.
type Room struct {
	ID     domain.SessionID
	Router core.Router

	mu         sync.RWMutex
	peers      map[domain.PeerID]*Peer
	emptySince time.Time
	retired    bool
}

func newRoom(id domain.SessionID, router core.Router, now time.Time) *Room {
	return &Room{
		ID:         id,
		Router:     router,
		peers:      make(map[domain.PeerID]*Peer),
		emptySince: now,
	}
}

var ErrRoomRetired = fmt.Errorf("room retired: %w", domain.ErrRoomNotFound)

// Join installs p and returns the Peer it displaced, if any. The caller must
// Close the displaced Peer.
func (r *Room) Join(p *Peer) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return nil, ErrRoomRetired
	}
	prev := r.peers[p.ID]
	r.peers[p.ID] = p
	r.emptySince = time.Time{}
	return prev, nil
}

func (r *Room) Peer(id domain.PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Holds reports whether p is still the Peer installed under its id.
func (r *Room) Holds(p *Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[p.ID] == p
}

// Remove deletes p only if it is still the installed Peer for its id.
func (r *Room) Remove(p *Peer, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[p.ID] != p {
		return false
	}
	delete(r.peers, p.ID)
	if len(r.peers) == 0 {
		r.emptySince = now
	}
	return true
}

// Others returns every Peer except id, ordered by peer id.
func (r *Room) Others(id domain.PeerID) []*Peer {
	r.mu.RLock()
	out := make([]*Peer, 0, len(r.peers))
	for pid, p := range r.peers {
		if pid != id {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// idleSince reports when the room became empty; zero if it has peers.
func (r *Room) idleSince() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.peers) > 0 {
		return time.Time{}, false
	}
	return r.emptySince, true
}

// retire marks an empty room as unusable for further joins.
func (r *Room) retire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) > 0 {
		return false
	}
	r.retired = true
	return true
}
