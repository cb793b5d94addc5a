package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/agenssistant/internal/agent"
	"github.com/zulandar/agenssistant/internal/auth"
	"github.com/zulandar/agenssistant/internal/calendar"
	"github.com/zulandar/agenssistant/internal/callback"
	"github.com/zulandar/agenssistant/internal/config"
	"github.com/zulandar/agenssistant/internal/db"
	"github.com/zulandar/agenssistant/internal/linking"
	"github.com/zulandar/agenssistant/internal/relay"
	"github.com/zulandar/agenssistant/internal/session"
	"github.com/zulandar/agenssistant/internal/speech"
	"github.com/zulandar/agenssistant/internal/telegraph"
	discordadapter "github.com/zulandar/agenssistant/internal/telegraph/discord"
	slackadapter "github.com/zulandar/agenssistant/internal/telegraph/slack"
	telegramadapter "github.com/zulandar/agenssistant/internal/telegraph/telegram"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the assistant",
		Long:  "Connects to the configured chat platform and serves users until interrupted. Runs the OAuth callback server when callback.enabled is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Agenssistant config file")
	return cmd
}

// app is a fully wired assistant.
type app struct {
	daemon   *telegraph.Daemon
	callback *callback.Server // nil unless callback.enabled
}

func runStart(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := buildApp(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return a.run(ctx)
}

// buildApp wires storage, linking, the agent and the chat adapter from cfg.
// Nothing touches the network until run.
func buildApp(cfg *config.Config, out io.Writer) (*app, error) {
	gormDB, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}

	store, err := session.NewStore(session.StoreOpts{
		DB:         gormDB,
		MaxEntries: cfg.Agent.MaxTranscriptEntries,
	})
	if err != nil {
		return nil, err
	}
	locks := session.NewLocks()

	provider := &auth.Provider{
		SecretsPath:     cfg.Google.SecretsPath,
		CredentialsFile: cfg.Google.CredentialsFile,
		RedirectURL:     cfg.Google.RedirectURL,
	}
	workflow, err := linking.NewWorkflow(linking.WorkflowOpts{Provider: provider})
	if err != nil {
		return nil, err
	}

	model, err := agent.NewOpenAI(agent.OpenAIOpts{
		APIKey:  cfg.Agent.APIKey,
		BaseURL: cfg.Agent.BaseURL,
		Model:   cfg.Agent.Model,
	})
	if err != nil {
		return nil, err
	}
	whisper, err := speech.NewWhisper(speech.WhisperOpts{
		APIKey:   cfg.Agent.APIKey,
		BaseURL:  cfg.Agent.BaseURL,
		Model:    cfg.Speech.Model,
		Language: cfg.Speech.Language,
	})
	if err != nil {
		return nil, err
	}
	rel, err := relay.New(relay.RelayOpts{
		Recorder:    store,
		Agent:       model,
		Transcriber: whisper,
		Timeout:     time.Duration(cfg.Agent.TimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	agenda, err := calendar.NewAgenda(calendar.AgendaOpts{
		Provider: provider,
		Scopes:   workflow.Scopes(),
		Size:     cfg.Google.AgendaSize,
	})
	if err != nil {
		return nil, err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return nil, err
	}

	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		Config:  cfg,
		Adapter: adapter,
		Store:   store,
		Locks:   locks,
		Linking: workflow,
		Relay:   rel,
		Agenda:  agenda,
		Out:     out,
	})
	if err != nil {
		return nil, err
	}

	a := &app{daemon: daemon}
	if cfg.Callback.Enabled {
		a.callback, err = callback.NewServer(callback.ServerOpts{
			Store:    store,
			Locks:    locks,
			Linker:   workflow,
			Notifier: daemon,
			Port:     cfg.Callback.Port,
			Out:      out,
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// run serves until ctx is cancelled. A failing callback server is logged
// and does not stop the chat side.
func (a *app) run(ctx context.Context) error {
	if a.callback != nil {
		go func() {
			if err := a.callback.Start(ctx); err != nil {
				log.Printf("ags: %v", err)
			}
		}()
	}
	return a.daemon.Run(ctx)
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (telegraph.Adapter, error) {
	switch cfg.Platform {
	case config.PlatformTelegram:
		return telegramadapter.New(telegramadapter.AdapterOpts{
			BotToken: cfg.Telegram.BotToken,
		})
	case config.PlatformDiscord:
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.ChannelID,
		})
	case config.PlatformSlack:
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Slack.AppToken,
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Slack.ChannelID,
		})
	default:
		return nil, fmt.Errorf("ags: unsupported platform %q", cfg.Platform)
	}
}
