package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/infra"
)

const eventChannel = "change_events"

// Broadcaster is what mutating components publish through. The in-process
// Hub satisfies it directly; PGBroadcaster additionally relays events across
// processes so worker-side mutations reach API-side SSE observers.
type Broadcaster interface {
	Publish(event Event)
}

// PGBroadcaster publishes events through Postgres NOTIFY so that every
// process attached to the same database observes them.
type PGBroadcaster struct {
	pool   *pgxpool.Pool
	logger infra.Logger
}

// NewPGBroadcaster constructs a broadcaster over the shared pool.
func NewPGBroadcaster(pool *pgxpool.Pool, logger infra.Logger) *PGBroadcaster {
	return &PGBroadcaster{pool: pool, logger: logger}
}

// Publish sends the event via pg_notify. Best-effort: a failed notify is
// logged and dropped, observers converge by re-querying.
func (b *PGBroadcaster) Publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2);`, eventChannel, string(payload)); err != nil {
		b.logger.Warn().Err(err).Str("kind", event.Kind).Str("id", event.ID).Msg("notify: pg_notify failed")
	}
}

// Listen holds a dedicated connection on LISTEN and forwards incoming events
// into the hub until the context is canceled. It reconnects with a short
// delay after connection loss.
func Listen(ctx context.Context, pool *pgxpool.Pool, hub *Hub, logger infra.Logger) {
	for {
		if err := listenOnce(ctx, pool, hub); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("notify: listener disconnected, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func listenOnce(ctx context.Context, pool *pgxpool.Pool, hub *Hub) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+eventChannel+`;`); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		var event Event
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			continue
		}
		hub.Publish(event)
	}
}

var (
	_ Broadcaster = (*Hub)(nil)
	_ Broadcaster = (*PGBroadcaster)(nil)
)
