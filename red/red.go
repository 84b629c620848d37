package red

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Set via ldflags at build time
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

// Red is the bot itself. It owns the database, the Discord session, the
// directory synchronizer and the slash command registry, and ties their
// lifecycles together in [Red.Run].
type Red struct {
	config *Config

	logger     *slog.Logger
	logHandler slog.Handler
	logWriter  io.Writer

	// db is the 'raw' GORM connection, used for reads
	db *gorm.DB

	// writeDB wraps db, serializing writes for SQLite
	writeDB DBI

	// Handles discord integration, sessions
	discord *Discord

	// Keeps the guild directory tables in sync with the gateway
	syncer *DirectorySyncer

	// The bot's slash commands
	registry *CommandRegistry

	// Notifies other instances sharing the same database (postgres only)
	dbNotifier DBNotifier

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it when Run finishes initializing:
	// database migrated, settings seeded, discord session open, commands
	// registered, handlers added
	signalReady chan struct{}

	// A signal is sent on this channel when [Red.shutdown] finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// A value received here triggers a full directory sync pass
	triggerResyncCh chan struct{}

	// Number of sync passes currently dispatched or running
	syncsInProgress atomic.Int64

	metricMessagesHandled atomic.Int64
}

// New creates and initializes a new Red instance from the given config:
// logging is set up (including the discordgo bridge), the Discord
// integration is created, and the command registry is populated. The
// database isn't touched until [Red.Run].
func New(config *Config) (*Red, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	r := &Red{
		config:          config,
		signalReady:     make(chan struct{}, 1),
		eventShutdown:   make(chan struct{}, 1),
		triggerResyncCh: make(chan struct{}, 1),
	}

	r.logWriter = newLogWriter(config.Logging)
	r.logHandler = tint.NewHandler(
		r.logWriter, &tint.Options{
			Level:     r.config.LogLevel,
			AddSource: true,
		},
	)

	r.logger = slog.New(r.logHandler)
	slog.SetDefault(r.logger)

	r.config.Discord.httpClient = r.config.HTTPClient

	disc, err := newDiscord(r.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			r.logWriter, &tint.Options{
				Level:     r.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				r.logWriter, &tint.Options{
					Level:     r.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.r = r
		r.discord = disc
	}

	r.registry = defaultCommandRegistry()

	return r, errors.Join(errs...)
}

func (r *Red) ValidateConfig() error {
	return structValidator.Struct(r.config)
}

// Run starts the bot and blocks until the given context is canceled or a
// stop signal arrives, then shuts down gracefully. Initialization order:
// database (schema creation is fatal on failure), settings seed, discord
// session and handlers, command registration, then the startup directory
// sync is triggered in the background.
func (r *Red) Run(ctx context.Context) error {
	// prevents concurrent runs
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.signalStop = make(chan struct{}, 1)

	r.startedAt = time.Now()
	logger := r.logger

	if err := r.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(r)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	r.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", r.config))
	if r.signalReady == nil {
		r.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-r.signalStop:
			r.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			r.logger.Warn("context canceled, sending stop signal")
			r.signalStop <- struct{}{}
			return
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, r.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- r.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case e := <-initErr:
		if e != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(e))
			return e
		}
		logger.InfoContext(ctx, "init complete")
	}

	if discErr := r.initDiscordSession(ctx, runtimeWG); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	r.syncer = NewDirectorySyncer(
		r.writeDB,
		newDiscordDirectoryProvider(r.discord.session, r.config.Sync),
		r.config.Sync,
		r.logger,
	)

	logger.InfoContext(ctx, "connecting to discord")
	if openErr := r.discord.session.Open(); openErr != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(openErr))
		return fmt.Errorf("error connecting to discord: %w", openErr)
	}

	if _, cmdErr := r.discord.registerCommands(r.registry); cmdErr != nil {
		return fmt.Errorf("error registering commands: %w", cmdErr)
	}

	r.startResyncWatcher(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := r.dbNotifier.Listen(ctx, r.dbNotifier.ResyncChannelName()); e != nil {
			r.logger.ErrorContext(ctx, "error listening to resync channel", tint.Err(e))
		}
	}()

	// kick off the startup sync without blocking gateway event handling
	select {
	case r.triggerResyncCh <- struct{}{}:
	default:
	}

	r.signalReady <- struct{}{}
	r.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context
	<-ctx.Done()

	return r.shutdown(ctx, runtimeWG)
}

// initRun initializes the database and seeds per-guild settings. Any
// error here aborts startup.
func (r *Red) initRun(ctx context.Context) error {
	r.logger.Debug("initializing DB...")
	if err := r.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	r.logger.Debug("finished initializing DB")

	seeded, err := seedInitialSettings(ctx, r.writeDB, r.logger)
	if err != nil {
		return fmt.Errorf("error seeding initial settings: %w", err)
	}
	if seeded > 0 {
		r.logger.InfoContext(ctx, "seeded guild settings", "count", seeded)
	}
	return nil
}

func (r *Red) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = r.logger
	}

	handler := tint.NewHandler(
		r.logWriter, &tint.Options{
			Level:     r.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, r.config.DatabaseSlowThreshold)
	db, err := getDB(r.config.DatabaseType, r.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	r.db = db
	r.writeDB = NewDatabase(db, r.logger, r.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if r.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		if err = applySQLitePragmas(ctx, db); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err = migrateSchema(ctx, db); err != nil {
		return err
	}
	logger.Debug("finished migrating database")

	return nil
}

// initDiscordSession creates the gateway session and adds the bot's
// event handlers. Interaction and message handlers are dispatched on
// their own goroutines so slow handlers never block the gateway reader.
func (r *Red) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	session, err := r.discord.newSession()
	if err != nil {
		return err
	}
	r.discord.session = session

	r.discord.discordgoRemoveHandlerFuncs = []func(){
		r.discord.session.AddHandler(r.discord.handlerConnect()),
		r.discord.session.AddHandler(r.discord.handlerDisconnect()),
		r.discord.session.AddHandler(r.discord.handlerReady()),
		r.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					r.handleInteraction(ctx, i)
				}()
			},
		),
		r.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					r.handleDiscordMessage(ctx, m)
				}()
			},
		),
		r.discord.session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					r.handleGuildCreate(ctx, g)
				}()
			},
		),
	}
	return nil
}

// handleGuildCreate runs a scoped sync for the guild that just became
// available. GuildCreate fires both on joining a new guild and for every
// existing guild right after connecting; either way the pass is
// idempotent, so no distinction is needed.
func (r *Red) handleGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	if r.syncer == nil || g.Guild == nil {
		return
	}
	if g.Unavailable {
		r.logger.DebugContext(ctx, "guild unavailable, skipping sync", "guild_id", g.ID)
		return
	}

	r.syncsInProgress.Add(1)
	defer r.syncsInProgress.Add(-1)

	snapshot := guildSnapshotFromState(g.Guild)
	counts, err := r.syncer.SyncGuild(ctx, snapshot)
	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"error syncing guild on guild create",
			"guild_id", g.ID,
			tint.Err(err),
		)
		return
	}
	r.logger.InfoContext(
		ctx,
		"synced guild on guild create",
		"guild_id", g.ID,
		"inserted", counts,
	)
}

// startResyncWatcher runs full sync passes whenever a value arrives on
// triggerResyncCh (startup, or a NOTIFY from another instance).
func (r *Red) startResyncWatcher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.triggerResyncCh:
				r.syncsInProgress.Add(1)
				if _, err := r.syncer.SyncAll(ctx); err != nil {
					r.logger.ErrorContext(ctx, "directory sync error", tint.Err(err))
				}
				r.syncsInProgress.Add(-1)
			}
		}
	}()
}

// handleInteraction dispatches a slash command interaction to its
// registered handler.
func (r *Red) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	logger := r.logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, logger)

	commandName := i.ApplicationCommandData().Name
	user := getDiscordUser(i)
	if user != nil {
		logger = logger.With(
			slog.Group("user", "id", user.ID, "username", user.Username),
		)
	}
	logger.InfoContext(ctx, "received command", "command", commandName)

	cmd, ok := r.registry.Get(commandName)
	if !ok {
		logger.WarnContext(ctx, "unknown command", "command", commandName)
		if err := respondEphemeral(r, i, DefaultDiscordUnknownCommand); err != nil {
			logger.ErrorContext(ctx, "error responding to unknown command", tint.Err(err))
		}
		return
	}

	if err := cmd.Handler(ctx, r, i); err != nil {
		logger.ErrorContext(
			ctx,
			"command handler error",
			"command", commandName,
			tint.Err(err),
		)
	}
}

// handleDiscordMessage processes incoming gateway messages: the '!ping'
// text command, and per-guild message logging when enabled via /logging.
func (r *Red) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = r.logger
		ctx = WithLogger(ctx, logger)
	}

	if m.Author == nil || m.Author.Bot {
		return
	}

	r.metricMessagesHandled.Add(1)

	if strings.TrimSpace(m.Content) == "!ping" {
		latency := r.discord.session.HeartbeatLatency()
		if sendErr := r.discord.channelMessageSend(
			m.ChannelID,
			fmt.Sprintf("Pong! Gateway latency: %d ms", latency.Milliseconds()),
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending pong", tint.Err(sendErr))
		}
		return
	}

	if m.GuildID == "" {
		return
	}
	if guildLoggingEnabled(ctx, r.db, logger, m.GuildID) {
		logger.InfoContext(
			ctx,
			"message",
			"guild_id", m.GuildID,
			"channel_id", m.ChannelID,
			slog.Group("author", "id", m.Author.ID, "username", m.Author.Username),
			"content", truncate(m.Content, discordMaxMessageLength),
		)
	}
}

// guildDirectoryCounts returns the number of synced channel, role and
// member rows for one guild.
func (r *Red) guildDirectoryCounts(ctx context.Context, guildID string) (
	SyncCounts,
	error,
) {
	var counts SyncCounts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.db.WithContext(gctx).Model(&Channel{}).Where(
			"guild_id = ?", guildID,
		).Count(&counts.Channels).Error
	})
	g.Go(func() error {
		return r.db.WithContext(gctx).Model(&Role{}).Where(
			"guild_id = ?", guildID,
		).Count(&counts.Roles).Error
	})
	g.Go(func() error {
		return r.db.WithContext(gctx).Model(&Member{}).Where(
			"guild_id = ?", guildID,
		).Count(&counts.Members).Error
	})
	if err := g.Wait(); err != nil {
		return counts, err
	}
	return counts, nil
}

func (r *Red) uptime() time.Duration {
	if r.startedAt.IsZero() {
		return 0
	}
	return time.Since(r.startedAt)
}

func (r *Red) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	r.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if r.eventShutdown != nil {
			go func() {
				r.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := r.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		r.logger.Warn("immediate shutdown")
		if r.discord != nil && r.discord.session != nil {
			_ = r.discord.session.Close()
		}
		return fmt.Errorf("shutdown timeout is zero, skipped graceful shutdown")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	r.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		r.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"shutdown_started", shutdownStart,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)

		if r.discord != nil && r.discord.session != nil {
			r.logger.InfoContext(ctx, "closing discord session")
			_ = r.discord.session.Close()
			r.logger.InfoContext(ctx, "discord session closed")
			for _, h := range r.discord.discordgoRemoveHandlerFuncs {
				h()
			}
		}

		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			r.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			r.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			r.logger.Warn("graceful shutdown timed out, forcing close")
			if r.discord != nil && r.discord.session != nil {
				go func() {
					_ = r.discord.session.Close()
				}()
			}
			return fmt.Errorf("graceful shutdown timed out")
		}
	}
}
