package cluster

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agleyzer/lessonplayer/internal/player"
)

// Follow keeps a controller and the cluster in sync until ctx is done.
// While this node leads, local index and status changes are replicated.
// While it follows, the replicated position is applied to the controller,
// including a position applied before Follow was called.
func Follow(ctx context.Context, m *Manager, c *player.Controller, logger *slog.Logger) {
	local := make(chan struct{}, 1)
	remote := make(chan struct{}, 1)

	indexSub := c.OnCurrentIndexChange(func(int) { signal(local) })
	statusSub := c.OnStatusChange(func(player.Status) { signal(local) })
	defer indexSub.Unsubscribe()
	defer statusSub.Unsubscribe()

	m.OnChange(func(Position) {
		if !m.IsLeader() {
			signal(remote)
		}
	})
	defer m.OnChange(nil)

	if !m.IsLeader() && m.GetState().Length > 0 {
		signal(remote)
	}

	logger.Info("following cluster position", "node_id", m.NodeID(), "state", m.State())

	for {
		select {
		case <-ctx.Done():
			return
		case <-local:
			if !m.IsLeader() {
				continue
			}
			state := c.Snapshot()
			if err := m.SetPosition(state.Index, state.Status); err != nil && !errors.Is(err, ErrNotLeader) {
				logger.Warn("failed to replicate position", "index", state.Index, "error", err)
			}
		case <-remote:
			// the latest applied position wins over intermediate ones
			p := m.GetState()
			if err := applyPosition(ctx, c, p); err != nil {
				logger.Warn("failed to apply replicated position", "index", p.Index, "status", p.Status, "error", err)
			}
		}
	}
}

// signal wakes the receiver of ch without blocking.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// applyPosition moves c to the replicated position and matches its status.
func applyPosition(ctx context.Context, c *player.Controller, p Position) error {
	if p.Book != c.Book() || p.Chapter != c.Chapter() {
		return errors.New("replicated position belongs to another playlist")
	}

	if p.Status == player.StatusPaused {
		c.Pause()
	}

	if p.Index != c.CurrentIndex() {
		if err := c.SetCurrentIndex(ctx, p.Index, 0); err != nil {
			return err
		}
	}

	if p.Status != player.StatusPaused && c.Status() == player.StatusPaused {
		return c.Play(ctx)
	}

	return nil
}
