package delivery

import (
	"context"
	"fmt"

	"github.com/dkeye/livecore/internal/app"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/dkeye/livecore/internal/proto"
	"github.com/rs/zerolog/log"
)

// MarkOnline marks conn online, claims the shared presence marker, flushes
// the offline queue to conn in order and announces the user when this is
// their first online connection here.
func (s *Service) MarkOnline(ctx context.Context, conn core.ConnID, user domain.UserID) error {
	first, ok := s.reg.MarkOnline(conn, s.clock.Now())
	if !ok {
		return fmt.Errorf("connection %s: %w", conn, core.ErrConnClosed)
	}
	if err := s.presence.Refresh(ctx, user, s.instance, s.cfg.PresenceTTL); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("user", string(user)).Msg("marker refresh failed")
	}

	queued, err := s.offline.Drain(ctx, user)
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("user", string(user)).Msg("offline drain failed")
	}
	for i, f := range queued {
		if err := s.reg.Send(conn, f); err != nil {
			// Whatever did not make it goes back ahead of anything queued meanwhile.
			if perr := s.offline.Prepend(ctx, user, queued[i:]); perr != nil {
				log.Error().Err(perr).Str("module", "presence").Str("user", string(user)).Int("count", len(queued)-i).Msg("offline requeue failed")
			}
			queued = queued[:i]
			break
		}
	}
	if len(queued) > 0 {
		log.Info().Str("module", "presence").Str("user", string(user)).Int("count", len(queued)).Msg("delivered offline messages")
	}

	if first {
		s.announce(ctx, user, true, conn)
	}
	return nil
}

// MarkOffline clears the user's online state on this instance.
func (s *Service) MarkOffline(ctx context.Context, conn core.ConnID, user domain.UserID) {
	was := s.reg.MarkOffline(user)
	if err := s.presence.Clear(ctx, user, s.instance); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("user", string(user)).Msg("marker clear failed")
	}
	if was {
		s.announce(ctx, user, false, conn)
	}
}

// ConnectionClosed unbinds conn and, when it was the user's last online
// connection here, releases the presence claim and announces the user offline.
func (s *Service) ConnectionClosed(ctx context.Context, conn core.ConnID) (app.Unbound, bool) {
	ub, ok := s.reg.Unbind(conn)
	if !ok {
		return ub, false
	}
	if ub.LastOnline {
		if err := s.presence.Clear(ctx, ub.User, s.instance); err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("user", string(ub.User)).Msg("marker clear failed")
		}
		s.announce(ctx, ub.User, false, "")
	}
	return ub, true
}

// Touch extends the presence claim of an online user.
func (s *Service) Touch(ctx context.Context, user domain.UserID) {
	if !s.reg.Touch(user, s.clock.Now()) {
		return
	}
	if err := s.presence.Refresh(ctx, user, s.instance, s.cfg.PresenceTTL); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("user", string(user)).Msg("marker refresh failed")
	}
}

// Reconcile force-offlines local users whose claim expired.
func (s *Service) Reconcile(ctx context.Context) {
	for _, user := range s.reg.OnlineUsers() {
		alive, err := s.presence.Alive(ctx, user, s.instance)
		if err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("user", string(user)).Msg("marker lookup failed")
			continue
		}
		if alive {
			continue
		}
		log.Info().Str("module", "presence").Str("user", string(user)).Msg("presence expired, marking offline")
		if s.reg.MarkOffline(user) {
			s.announce(ctx, user, false, "")
		}
	}
}

func (s *Service) announce(ctx context.Context, user domain.UserID, online bool, exclude core.ConnID) {
	s.reg.Broadcast(proto.UserStatus(user, online), exclude)
	if err := s.publish(ctx, ChannelPresence, presenceEnvelope{Origin: s.instance, User: user, Online: online}); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("user", string(user)).Msg("presence publish failed")
	}
	log.Info().Str("module", "presence").Str("user", string(user)).Bool("online", online).Msg("status changed")
}
