package client

import (
	"context"
	"time"

	"github.com/novalabs/novavoice/internal/reliability"
)

// resume tries to re-attach the current session after a transport drop.
// Attempts back off exponentially; the controller gives up once the
// cumulative delay exceeds the reconnect grace, matching the window the
// server keeps the session resumable.
func (c *Client) resume(ctx context.Context) bool {
	c.mu.Lock()
	sessionID := c.sessionID
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	if sessionID == "" {
		return false
	}

	var cumulative time.Duration
	for attempt := 0; ; attempt++ {
		delay := reliability.Backoff(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
		cumulative += delay
		if cumulative > c.cfg.ReconnectGrace {
			c.logger.Warn().Str("session_id", sessionID).Msg("reconnect window exhausted")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, newID, err := c.handshake(ctx, sessionID)
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("resume attempt failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		if newID != sessionID {
			// The grace window lapsed server-side; this is a fresh session
			// and frame numbering restarts with it.
			c.sessionID = newID
			c.nextSeq = 0
		}
		c.mu.Unlock()

		c.logger.Info().Str("session_id", newID).Bool("resumed", newID == sessionID).Msg("transport restored")
		return true
	}
}
