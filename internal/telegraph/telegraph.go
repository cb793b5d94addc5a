package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/zulandar/agenssistant/internal/config"
	"github.com/zulandar/agenssistant/internal/linking"
	"github.com/zulandar/agenssistant/internal/models"
	"github.com/zulandar/agenssistant/internal/session"
)

// Daemon is the main bot process. It connects to a chat platform via an
// Adapter, dispatches inbound messages to a Router one at a time per user,
// and periodically expires abandoned calendar authorization attempts.
type Daemon struct {
	cfg     *config.Config
	adapter Adapter
	store   *session.Store
	locks   *session.Locks
	linking *linking.Workflow
	relay   Relayer
	agenda  AgendaSource
	voice   VoiceFetcher
	queue   *serialQueue
	out     io.Writer

	mu        sync.Mutex
	connected bool
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config       *config.Config
	Adapter      Adapter
	Store        *session.Store
	Locks        *session.Locks // shared with the callback server; defaults to a private set
	Linking      *linking.Workflow
	Relay        Relayer
	Agenda       AgendaSource // optional
	VoiceFetcher VoiceFetcher // optional
	Out          io.Writer    // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("telegraph: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("telegraph: store is required")
	}
	if opts.Linking == nil {
		return nil, fmt.Errorf("telegraph: linking workflow is required")
	}
	if opts.Relay == nil {
		return nil, fmt.Errorf("telegraph: relay is required")
	}
	locks := opts.Locks
	if locks == nil {
		locks = session.NewLocks()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Agenda == nil {
		fmt.Fprintf(out, "telegraph: no agenda source configured; /agenda disabled\n")
	}
	return &Daemon{
		cfg:     opts.Config,
		adapter: opts.Adapter,
		store:   opts.Store,
		locks:   locks,
		linking: opts.Linking,
		relay:   opts.Relay,
		agenda:  opts.Agenda,
		voice:   opts.VoiceFetcher,
		queue:   newSerialQueue(),
		out:     out,
	}, nil
}

// Locks returns the per-user locks the daemon serializes session access with.
func (d *Daemon) Locks() *session.Locks { return d.locks }

// Run starts the daemon. It connects the adapter, builds the Router, starts
// the sweeper, and blocks until the context is cancelled. On shutdown it
// lets in-flight messages finish and closes the adapter.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Agenssistant connecting to %s...\n", d.cfg.Platform)
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	// Extract bot user ID if the adapter supports it.
	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	router, err := NewRouter(RouterOpts{
		Platform:     d.cfg.Platform,
		Store:        d.store,
		Locks:        d.locks,
		Linking:      d.linking,
		Relay:        d.relay,
		Agenda:       d.agenda,
		Adapter:      d.adapter,
		VoiceFetcher: d.voice,
		BotUserID:    botUserID,
		Diagnostics:  d.cfg.Diagnostics,
		Out:          d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	sweeper, err := d.startSweeper()
	if err != nil {
		d.adapter.Close()
		return err
	}

	d.setConnected(true)
	fmt.Fprintf(d.out, "Agenssistant online\n")

	// Handlers outlive shutdown so an in-flight reply is still delivered.
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Agenssistant shutting down...\n")
			d.shutdown(sweeper.Stop())
			fmt.Fprintf(d.out, "Agenssistant stopped\n")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Agenssistant inbound channel closed\n")
				d.shutdown(sweeper.Stop())
				return nil
			}
			d.queue.Submit(session.Key(d.cfg.Platform, msg.User.ID), func() {
				router.Handle(handlerCtx, msg)
			})
		}
	}
}

func (d *Daemon) shutdown(sweeperDone context.Context) {
	<-sweeperDone.Done()
	d.queue.Wait()
	d.setConnected(false)
	if err := d.adapter.Close(); err != nil {
		log.Printf("telegraph: close adapter: %v", err)
	}
}

func (d *Daemon) setConnected(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = v
}

// Notify sends an out-of-band message to the chat the session last wrote
// from. It fails when the daemon is not connected or the session has no
// known chat.
func (d *Daemon) Notify(ctx context.Context, sess *models.UserSession, text string) error {
	d.mu.Lock()
	connected := d.connected
	d.mu.Unlock()
	if !connected {
		return fmt.Errorf("telegraph: notify: not connected")
	}
	if sess.ChannelID == "" {
		return fmt.Errorf("telegraph: notify %s: no known chat", sess.Key)
	}
	for _, chunk := range chunkMessage(text, maxLenFor(d.adapter)) {
		if err := d.adapter.Send(ctx, OutboundMessage{ChannelID: sess.ChannelID, Text: chunk}); err != nil {
			return fmt.Errorf("telegraph: notify %s: %w", sess.Key, err)
		}
	}
	return nil
}
