package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/dkeye/livecore/internal/core"
	"github.com/dkeye/livecore/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend interface {
	core.PresenceStore
	core.OfflineQueue
	core.ParticipantDirectory
	Participants(ctx context.Context, sid domain.SessionID) ([]domain.UserID, error)
}

func backends(t *testing.T, clk clock.Clock) map[string]backend {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]backend{
		"memory": NewMemory(WithClock(clk)),
		"redis":  NewRedis(client, WithClock(clk)),
	}
}

func TestPresenceClaimsPerInstance(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t, clock.NewMock()) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Refresh(ctx, "alice", "i1", time.Minute))
			require.NoError(t, b.Refresh(ctx, "alice", "i2", time.Minute))

			require.NoError(t, b.Clear(ctx, "alice", "i1"))
			online, err := b.Online(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, online, "second instance still holds a claim")

			alive, err := b.Alive(ctx, "alice", "i1")
			require.NoError(t, err)
			assert.False(t, alive)

			require.NoError(t, b.Clear(ctx, "alice", "i2"))
			online, err = b.Online(ctx, "alice")
			require.NoError(t, err)
			assert.False(t, online)
		})
	}
}

func TestPresenceExpires(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	for name, b := range backends(t, mock) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Refresh(ctx, "bob", "i1", 10*time.Second))
			alive, err := b.Alive(ctx, "bob", "i1")
			require.NoError(t, err)
			assert.True(t, alive)

			mock.Add(11 * time.Second)
			alive, err = b.Alive(ctx, "bob", "i1")
			require.NoError(t, err)
			assert.False(t, alive)
			online, err := b.Online(ctx, "bob")
			require.NoError(t, err)
			assert.False(t, online)

			require.NoError(t, b.Refresh(ctx, "bob", "i1", 10*time.Second))
			online, err = b.Online(ctx, "bob")
			require.NoError(t, err)
			assert.True(t, online)
		})
	}
}

func TestOfflineQueueIsFIFOAndDrainsOnce(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t, clock.NewMock()) {
		t.Run(name, func(t *testing.T) {
			for _, f := range []string{"m1", "m2", "m3"} {
				require.NoError(t, b.Push(ctx, "carol", core.Frame(f)))
			}
			got, err := b.Drain(ctx, "carol")
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "m1", string(got[0]))
			assert.Equal(t, "m3", string(got[2]))

			got, err = b.Drain(ctx, "carol")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestOfflinePrependKeepsHeadOrder(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t, clock.NewMock()) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Push(ctx, "carol", core.Frame("m4")))
			require.NoError(t, b.Prepend(ctx, "carol", []core.Frame{core.Frame("m1"), core.Frame("m2"), core.Frame("m3")}))
			require.NoError(t, b.Prepend(ctx, "carol", nil))

			got, err := b.Drain(ctx, "carol")
			require.NoError(t, err)
			var texts []string
			for _, f := range got {
				texts = append(texts, string(f))
			}
			assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, texts)
		})
	}
}

func TestParticipants(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t, clock.NewMock()) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.AddParticipant(ctx, domain.NewParticipant("s1", "p2", "zed")))
			require.NoError(t, b.AddParticipant(ctx, domain.NewParticipant("s1", "p1", "amy")))
			require.NoError(t, b.AddParticipant(ctx, domain.NewParticipant("s1", "p1", "amy")))

			users, err := b.Participants(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, []domain.UserID{"amy", "zed"}, users)

			require.NoError(t, b.RemoveParticipant(ctx, domain.NewParticipant("s1", "p2", "zed")))
			users, err = b.Participants(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, []domain.UserID{"amy"}, users)
		})
	}
}
