package pg

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"staffportal.org/internal/obs"
	"staffportal.org/internal/stream"
)

// RestrictionChannel is the NOTIFY channel written by the restriction trigger.
const RestrictionChannel = "workspace_restrictions"

// Listener relays restriction notifications from Postgres onto the hub so
// subscribers see writes made by other instances.
type Listener struct {
	dsn      string
	hub      *stream.Hub
	minRetry time.Duration
	maxRetry time.Duration
}

func NewListener(dsn string, hub *stream.Hub) *Listener {
	return &Listener{dsn: dsn, hub: hub, minRetry: time.Second, maxRetry: 30 * time.Second}
}

// Run listens until ctx ends, reconnecting with backoff after failures.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.minRetry
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		obs.Warn("restriction listener disconnected", map[string]any{"error": err, "retry_in": delay.String()})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > l.maxRetry {
			delay = l.maxRetry
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{RestrictionChannel}.Sanitize()); err != nil {
		return err
	}
	obs.Info("restriction listener connected", map[string]any{"channel": RestrictionChannel})
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if c, ok := changeFromNotification(n); ok {
			l.hub.Publish(c)
		}
	}
}

func changeFromNotification(n *pgconn.Notification) (stream.Change, bool) {
	if n == nil || n.Channel != RestrictionChannel {
		return stream.Change{}, false
	}
	id := strings.TrimSpace(n.Payload)
	if id == "" {
		return stream.Change{}, false
	}
	return stream.Change{WorkspaceID: id, At: time.Now().UTC(), Origin: "pg_notify"}, true
}
