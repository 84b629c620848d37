package red

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const (
	// NotifyChannelResync is the postgres NOTIFY channel used to request
	// a full directory sync from running bot instances.
	NotifyChannelResync = "red_resync"

	dbNotifierSendTimeout = 15 * time.Second
)

// DBNotifier lets other processes (or another instance of the bot sharing
// the same database) request a full directory resync. With Postgres this
// rides on LISTEN/NOTIFY; with SQLite there's no cross-process channel, so
// notifications only reach the local instance.
type DBNotifier interface {
	ResyncChannelName() string

	// NotifyResync asks bot instances to run a full directory sync pass
	NotifyResync(context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// use this ID to filter out their own notifications.
	ID() string

	// Listen blocks, forwarding incoming resync notifications to the bot,
	// until the context is canceled.
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(r *Red) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := r.logger.With(loggerNameKey, "db_notifier")
	var notifier DBNotifier
	switch r.config.DatabaseType {
	case dbTypeSQLite:
		notifier = &sqliteNotifier{
			logger:         log,
			r:              r,
			sqliteNotifyID: notifyID,
		}
	case dbTypePostgres:
		notifier = &postgresNotifier{
			r:          r,
			logger:     log,
			pgNotifyID: notifyID,
		}
	default:
		return nil, errors.New("invalid database type")
	}
	return notifier, nil
}

type sqliteNotifier struct {
	logger         *slog.Logger
	r              *Red
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) ResyncChannelName() string {
	return ""
}

func (s *sqliteNotifier) NotifyResync(ctx context.Context) bool {
	s.logger.Info("got resync notification")
	select {
	case s.r.triggerResyncCh <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending resync signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

type postgresNotifier struct {
	r          *Red
	logger     *slog.Logger
	pgNotifyID string
}

func (postgresNotifier) ResyncChannelName() string {
	return NotifyChannelResync
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (p *postgresNotifier) NotifyResync(ctx context.Context) bool {
	var sent bool

	notifyErr := p.r.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.ResyncChannelName(),
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY to trigger resync",
			tint.Err(notifyErr),
		)
	} else {
		p.logger.Info("sent resync notification", "pg_notify_id", p.ID())
		sent = true
	}

	select {
	case p.r.triggerResyncCh <- struct{}{}:
	//
	case <-ctx.Done():
		p.logger.Warn("timeout sending local resync signal")
	}

	return sent
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.r.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	// Start listening for notifications
	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second) // Wait before retrying
			continue
		}
		if notification.Payload == p.ID() {
			logger.Info(
				"Received notification from self, ignoring",
				"payload",
				notification.Payload,
			)
			continue
		}

		switch channel {
		case p.ResyncChannelName():
			logger.InfoContext(ctx, "Received notification to resync directory")
			select {
			case p.r.triggerResyncCh <- struct{}{}:
				logger.Info("sent resync signal from postgres listener")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending resync signal")
			}
		default:
			logger.Warn("Received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}
