package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/transport"
	"gorm.io/gorm"
)

// Daemon is the main bridge process. It connects to a chat platform via an
// Adapter, pumps inbound events through the Router, and runs the retention
// sweep on a cron schedule.
type Daemon struct {
	db      *gorm.DB
	cfg     *config.Config
	adapter transport.Adapter
	out     io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB      *gorm.DB
	Config  *config.Config
	Adapter transport.Adapter
	Out     io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: daemon: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("relay: daemon: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("relay: daemon: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		db:      opts.DB,
		cfg:     opts.Config,
		adapter: opts.Adapter,
		out:     out,
	}, nil
}

// Run starts the bridge daemon. It connects the adapter, builds all
// subsystems (stores, engine, command handler, router, sweeper), and blocks
// until the context is cancelled. On shutdown it closes the adapter
// gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Switchboard connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}

	// Extract bot user ID if the adapter supports it.
	var botUserID string
	if bui, ok := d.adapter.(transport.BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	// Build stores.
	registry := store.NewRegistry(d.db)
	sessions := store.NewSessions(d.db)
	mappings := store.NewMappings(d.db)
	channels := store.NewChannels(d.db)

	// Sync the channel name cache so notices can use readable names.
	d.syncChannels(ctx, channels)

	// Build Engine.
	engine, err := NewEngine(EngineOpts{
		Registry:       registry,
		Sessions:       sessions,
		Mappings:       mappings,
		Channels:       channels,
		Adapter:        d.adapter,
		DirectGreeting: d.cfg.Relay.DirectGreeting,
		SendTimeout:    time.Duration(d.cfg.Relay.SendTimeoutSec) * time.Second,
		Out:            d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build engine: %w", err)
	}

	// Build CommandHandler.
	cmdHandler, err := NewCommandHandler(CommandHandlerOpts{
		DB:       d.db,
		Registry: registry,
		Channels: channels,
		Adapter:  d.adapter,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build command handler: %w", err)
	}

	// Build Router.
	router, err := NewRouter(RouterOpts{
		Engine:     engine,
		CmdHandler: cmdHandler,
		Adapter:    d.adapter,
		BotUserID:  botUserID,
		Out:        d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build router: %w", err)
	}

	// Build Sweeper and run a startup sweep so a long-stopped bridge does
	// not resume with stale mappings.
	sweeper, err := NewSweeper(SweeperOpts{
		Mappings: mappings,
		Window:   time.Duration(d.cfg.Relay.RetentionHours) * time.Hour,
		Out:      d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: build sweeper: %w", err)
	}
	if _, err := sweeper.Run(); err != nil {
		log.Printf("relay: startup sweep: %v", err)
	}

	// Schedule the recurring sweep.
	c := cron.New()
	if _, err := c.AddFunc(d.cfg.Relay.SweepSchedule, func() {
		if _, err := sweeper.Run(); err != nil {
			log.Printf("relay: scheduled sweep: %v", err)
		}
	}); err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: schedule sweep %q: %w", d.cfg.Relay.SweepSchedule, err)
	}
	c.Start()
	defer c.Stop()

	// Start listening for inbound events.
	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("relay: listen: %w", err)
	}

	fmt.Fprintf(d.out, "Switchboard online\n")

	// Main event loop: pump inbound events until context is cancelled.
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Switchboard shutting down...\n")
			if err := d.adapter.Close(); err != nil {
				log.Printf("relay: close adapter: %v", err)
			}
			fmt.Fprintf(d.out, "Switchboard stopped\n")
			return nil

		case ev, ok := <-inbound:
			if !ok {
				// Adapter closed the channel.
				fmt.Fprintf(d.out, "Switchboard inbound channel closed\n")
				return nil
			}
			router.Handle(ctx, ev)
		}
	}
}

// syncChannels refreshes the channel name cache from the platform.
// Best-effort; notices fall back to a generic label for unsynced channels.
func (d *Daemon) syncChannels(ctx context.Context, channels *store.Channels) {
	memberships, err := d.adapter.Memberships(ctx)
	if err != nil {
		log.Printf("relay: sync channel names: %v", err)
		return
	}
	for _, m := range memberships {
		if err := channels.Upsert(m.ChannelID, m.ChannelName); err != nil {
			log.Printf("relay: cache channel %s: %v", m.ChannelID, err)
		}
	}
	fmt.Fprintf(d.out, "relay: synced %d channel names\n", len(memberships))
}
