// Package delivery fans private messages, presence and session events out
// to whichever process holds the receiving connection, and keeps private
// messages pending until the receiver acknowledges them.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/livecore/internal/app"
	"github.com/dkeye/livecore/internal/config"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/dkeye/livecore/internal/metrics"
	"github.com/dkeye/livecore/internal/proto"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

type pendingAck struct {
	msg       *domain.PrivateMessage
	frame     core.Frame
	retries   int
	createdAt time.Time
}

type Service struct {
	instance string
	cfg      config.DeliveryConfig
	reg      *app.Registry
	bus      core.Bus
	presence core.PresenceStore
	offline  core.OfflineQueue
	clock    clock.Clock
	metrics  *metrics.Metrics
	limiter  *RateLimiter

	mu      sync.Mutex
	pending map[domain.MessageID]*pendingAck
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(
	instance string,
	cfg config.DeliveryConfig,
	reg *app.Registry,
	bus core.Bus,
	presence core.PresenceStore,
	offline core.OfflineQueue,
	opts ...Option,
) *Service {
	s := &Service{
		instance: instance,
		cfg:      cfg,
		reg:      reg,
		bus:      bus,
		presence: presence,
		offline:  offline,
		clock:    clock.New(),
		pending:  make(map[domain.MessageID]*pendingAck),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = NewRateLimiter(s.clock, cfg.RateLimit, cfg.RateWindow)
	return s
}

// SendPrivate validates and dispatches a private message, then confirms it
// to the sending connection with messageSent.
func (s *Service) SendPrivate(ctx context.Context, conn core.ConnID, sender, receiver domain.UserID, text string) (*domain.PrivateMessage, error) {
	if !s.limiter.Allow(sender) {
		return nil, domain.ErrRateLimited
	}
	msg, err := domain.NewPrivateMessage(sender, receiver, text, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.Dispatch(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.reg.Send(conn, proto.MessageSent(msg.ID)); err != nil {
		log.Debug().Err(err).Str("module", "delivery").Str("conn", string(conn)).Msg("messageSent not delivered")
	}
	return msg, nil
}

// Dispatch delivers msg to the receiver's local connections or over the bus,
// queues it offline when the receiver has no live presence claim, and tracks
// it until acknowledged.
func (s *Service) Dispatch(ctx context.Context, msg *domain.PrivateMessage) error {
	frame := proto.NewPrivateMessage(msg)

	s.mu.Lock()
	s.pending[msg.ID] = &pendingAck{msg: msg, frame: frame, createdAt: s.clock.Now()}
	s.mu.Unlock()

	local, err := s.deliver(ctx, msg.ReceiverID, frame)
	if err != nil {
		log.Warn().Err(err).Str("module", "delivery").Str("message_id", string(msg.ID)).Msg("bus publish failed")
	}
	s.metrics.Delivery(metrics.Dispatched)
	if local {
		return nil
	}

	online, err := s.presence.Online(ctx, msg.ReceiverID)
	if err != nil {
		log.Warn().Err(err).Str("module", "delivery").Str("user", string(msg.ReceiverID)).Msg("presence lookup failed")
	}
	if online {
		return nil
	}
	if err := s.offline.Push(ctx, msg.ReceiverID, frame); err != nil {
		// The sender gets an error instead of messageSent, so nothing retries it.
		s.mu.Lock()
		delete(s.pending, msg.ID)
		s.mu.Unlock()
		return fmt.Errorf("queue offline message %s: %w", msg.ID, err)
	}
	s.metrics.Delivery(metrics.OfflineQueued)
	log.Debug().
		Str("module", "delivery").
		Str("message_id", string(msg.ID)).
		Str("user", string(msg.ReceiverID)).
		Msg("receiver offline, queued")
	return nil
}

// deliver hands frame to local connections of user, or publishes it for the
// other instances when there are none.
func (s *Service) deliver(ctx context.Context, user domain.UserID, frame core.Frame) (bool, error) {
	if s.reg.SendToUser(user, frame) > 0 {
		return true, nil
	}
	return false, s.publish(ctx, ChannelChat, chatEnvelope{Origin: s.instance, Receiver: user, Frame: json.RawMessage(frame)})
}

func (s *Service) publish(ctx context.Context, channel string, v any) error {
	if s.bus == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, channel, payload)
}

// Ack removes the pending entry for id. Unknown ids are forwarded to the
// other instances, since the sender may be connected elsewhere.
func (s *Service) Ack(ctx context.Context, id domain.MessageID) bool {
	return s.AckMany(ctx, []domain.MessageID{id}) > 0
}

func (s *Service) AckMany(ctx context.Context, ids []domain.MessageID) int {
	acked, unknown := s.ack(ids)
	if len(unknown) > 0 {
		if err := s.publish(ctx, ChannelAck, ackEnvelope{Origin: s.instance, IDs: unknown}); err != nil {
			log.Warn().Err(err).Str("module", "delivery").Msg("ack publish failed")
		}
	}
	return acked
}

func (s *Service) ack(ids []domain.MessageID) (int, []domain.MessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := 0
	var unknown []domain.MessageID
	for _, id := range ids {
		if _, ok := s.pending[id]; !ok {
			unknown = append(unknown, id)
			continue
		}
		delete(s.pending, id)
		acked++
		s.metrics.Delivery(metrics.Acked)
		log.Debug().Str("module", "delivery").Str("message_id", string(id)).Msg("acknowledged")
	}
	return acked, unknown
}

// Pending reports how many messages await acknowledgement.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Retries returns the re-attempt count of a pending message.
func (s *Service) Retries(id domain.MessageID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return 0, false
	}
	return p.retries, true
}

// Sweep re-sends every pending message below the retry ceiling and drops the
// ones that reached it, telling their senders.
func (s *Service) Sweep(ctx context.Context) {
	type job struct {
		msg   *domain.PrivateMessage
		frame core.Frame
		drop  bool
	}
	s.mu.Lock()
	jobs := make([]job, 0, len(s.pending))
	for id, p := range s.pending {
		if p.retries >= s.cfg.RetryCeiling {
			delete(s.pending, id)
			jobs = append(jobs, job{msg: p.msg, drop: true})
			continue
		}
		p.retries++
		jobs = append(jobs, job{msg: p.msg, frame: p.frame})
	}
	s.mu.Unlock()

	for _, j := range jobs {
		logger := log.With().Str("module", "delivery").Str("message_id", string(j.msg.ID)).Logger()
		if j.drop {
			s.metrics.Delivery(metrics.Dropped)
			logger.Warn().Str("user", string(j.msg.ReceiverID)).Msg("delivery retries exhausted, dropping")
			if _, err := s.deliver(ctx, j.msg.SenderID, proto.DeliveryExhausted(j.msg.ID)); err != nil {
				logger.Warn().Err(err).Msg("exhaustion notice not published")
			}
			continue
		}
		s.metrics.Delivery(metrics.Retried)
		logger.Debug().Str("user", string(j.msg.ReceiverID)).Msg("retrying")
		if _, err := s.deliver(ctx, j.msg.ReceiverID, j.frame); err != nil {
			logger.Warn().Err(err).Msg("retry publish failed")
		}
	}
}

// Typing relays a typing indicator without tracking it. A non-empty session
// targets the session, otherwise the receiver.
func (s *Service) Typing(ctx context.Context, conn core.ConnID, sender, receiver domain.UserID, sid domain.SessionID, isTyping bool) error {
	frame := proto.UserTyping(sender, isTyping)
	if sid != "" {
		return s.BroadcastSession(ctx, sid, conn, frame)
	}
	if receiver == "" {
		return fmt.Errorf("%w: typing needs receiverId or sessionId", domain.ErrBadPayload)
	}
	_, err := s.deliver(ctx, receiver, frame)
	return err
}

// ChatMessage relays an opaque chat payload to every connection of the
// session, the sender included.
func (s *Service) ChatMessage(ctx context.Context, sid domain.SessionID, payload json.RawMessage) error {
	return s.BroadcastSession(ctx, sid, "", proto.ChatMessage(payload))
}

// BroadcastSession delivers frame to local connections of the session and
// publishes it for the other instances.
func (s *Service) BroadcastSession(ctx context.Context, sid domain.SessionID, exclude core.ConnID, frame core.Frame) error {
	s.reg.BroadcastSession(sid, exclude, frame)
	return s.publish(ctx, ChannelSessionEvents, sessionEnvelope{Origin: s.instance, Session: sid, Frame: json.RawMessage(frame)})
}

// PublishStatus announces that a peer started or stopped publishing a kind.
func (s *Service) PublishStatus(ctx context.Context, st domain.SessionStatus) error {
	s.reg.Broadcast(proto.SessionLiveStatus(st), "")
	return s.publish(ctx, ChannelSessionStatus, statusEnvelope{Origin: s.instance, Status: st})
}

// Run subscribes to the bus and runs the retry and reconciliation sweeps
// until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Subscribe(ctx); err != nil {
		return err
	}
	retry := s.clock.Ticker(s.cfg.RetryInterval)
	defer retry.Stop()
	reconcile := s.clock.Ticker(s.cfg.ReconcileInterval)
	defer reconcile.Stop()

	log.Info().
		Str("module", "delivery").
		Dur("retry_interval", s.cfg.RetryInterval).
		Int("retry_ceiling", s.cfg.RetryCeiling).
		Msg("delivery running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-retry.C:
			s.Sweep(ctx)
			s.limiter.Forget()
		case <-reconcile.C:
			s.Reconcile(ctx)
		}
	}
}

// Subscribe registers the bus handlers; it returns once all are active.
func (s *Service) Subscribe(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	handlers := map[string]core.BusHandler{
		ChannelChat:          s.onChat,
		ChannelPresence:      s.onPresence,
		ChannelAck:           s.onAck,
		ChannelSessionEvents: s.onSessionEvent,
		ChannelSessionStatus: s.onSessionStatus,
	}
	var err error
	for ch, h := range handlers {
		if e := s.bus.Subscribe(ctx, ch, h); e != nil {
			err = multierr.Append(err, fmt.Errorf("subscribe %s: %w", ch, e))
		}
	}
	return err
}

func decode[T any](channel string, payload []byte) (T, bool) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		log.Warn().Err(err).Str("module", "bus").Str("channel", channel).Msg("malformed envelope")
		return v, false
	}
	return v, true
}

func (s *Service) onChat(_ context.Context, payload []byte) {
	env, ok := decode[chatEnvelope](ChannelChat, payload)
	if !ok {
		return
	}
	// Own frames are kept too: deliver only publishes when no local
	// connection existed, and one may have attached since.
	s.reg.SendToUser(env.Receiver, core.Frame(env.Frame))
}

func (s *Service) onPresence(_ context.Context, payload []byte) {
	env, ok := decode[presenceEnvelope](ChannelPresence, payload)
	if !ok || env.Origin == s.instance {
		return
	}
	s.reg.Broadcast(proto.UserStatus(env.User, env.Online), "")
}

func (s *Service) onAck(_ context.Context, payload []byte) {
	env, ok := decode[ackEnvelope](ChannelAck, payload)
	if !ok || env.Origin == s.instance {
		return
	}
	s.ack(env.IDs)
}

func (s *Service) onSessionEvent(_ context.Context, payload []byte) {
	env, ok := decode[sessionEnvelope](ChannelSessionEvents, payload)
	if !ok || env.Origin == s.instance {
		return
	}
	s.reg.BroadcastSession(env.Session, "", core.Frame(env.Frame))
}

func (s *Service) onSessionStatus(_ context.Context, payload []byte) {
	env, ok := decode[statusEnvelope](ChannelSessionStatus, payload)
	if !ok || env.Origin == s.instance {
		return
	}
	s.reg.Broadcast(proto.SessionLiveStatus(env.Status), "")
}
