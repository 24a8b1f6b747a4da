package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sipeed/picocrm/pkg/auth"
	"github.com/sipeed/picocrm/pkg/bus"
	"github.com/sipeed/picocrm/pkg/channels"
	"github.com/sipeed/picocrm/pkg/config"
	"github.com/sipeed/picocrm/pkg/console"
	"github.com/sipeed/picocrm/pkg/gateway"
	"github.com/sipeed/picocrm/pkg/inbox"
	"github.com/sipeed/picocrm/pkg/logger"
	"github.com/sipeed/picocrm/pkg/schedule"
	"github.com/sipeed/picocrm/pkg/timelabel"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: picocrm [-config path] <command>

commands:
  serve     run the HTTP gateway
  console   run the interactive console
  init      write a default config file
  version   print the version
`)
}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to config.json")
	flag.Usage = usage
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "version":
		fmt.Println("picocrm", version)
	case "init":
		err = initConfig(*configPath)
	case "serve":
		err = serve(ctx, *configPath)
	case "console":
		err = runConsole(ctx, *configPath)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "picocrm: %v\n", err)
		os.Exit(1)
	}
}

func initConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

type app struct {
	cfg   *config.Config
	bus   *bus.MessageBus
	inbox *inbox.Inbox
	auth  *auth.MemoryAuthenticator
}

func setupLogging(cfg *config.Config) error {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if !cfg.Logging.FileEnabled {
		return nil
	}
	return logger.EnableFileLoggingWithRotation(
		cfg.LogFilePath(),
		cfg.Logging.RotationEnabled,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxAgeDays,
	)
}

// build wires channels, inbox and auth from cfg and performs the first
// ingestion.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	labeler := timelabel.New(cfg.Inbox.Locale, cfg.Inbox.Location())
	queue := schedule.NewQueue(cfg.Inbox.Location())
	mb := bus.NewMessageBus()

	var chans []inbox.Channel
	if cfg.Channels.WhatsApp.Enabled {
		wa, err := channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, labeler)
		if err != nil {
			return nil, fmt.Errorf("whatsapp channel: %w", err)
		}
		chans = append(chans, wa)
	}
	if cfg.Channels.Instagram.Enabled {
		chans = append(chans, channels.NewInstagramChannel(labeler, cfg.Channels.Instagram.Seed))
	}
	if len(chans) == 0 {
		logger.WarnC("main", "No channels enabled, the inbox will be empty")
	}

	authn, err := auth.NewMemoryAuthenticator(cfg.Auth.Users)
	if err != nil {
		return nil, err
	}

	ib := inbox.New(inbox.Options{
		Channels: chans,
		Labeler:  labeler,
		Queue:    queue,
		Bus:      mb,
	})
	ib.RefreshAll(ctx)
	logger.InfoCF("main", "Inbox ready", map[string]interface{}{
		"channels":      ib.ChannelNames(),
		"conversations": ib.Store().Len(),
		"locale":        cfg.Inbox.Locale,
	})
	return &app{cfg: cfg, bus: mb, inbox: ib, auth: authn}, nil
}

func load(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := setupLogging(cfg); err != nil {
		return nil, fmt.Errorf("file logging: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, path string) error {
	cfg, err := load(path)
	if err != nil {
		return err
	}
	defer logger.DisableFileLogging()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.bus.Close()

	if len(cfg.Auth.Users) == 0 {
		logger.WarnC("main", "No users configured, operators must register first")
	}
	srv := gateway.NewServer(cfg.Gateway, a.inbox, a.auth, a.bus)
	return srv.Start(ctx)
}

func runConsole(ctx context.Context, path string) error {
	cfg, err := load(path)
	if err != nil {
		return err
	}
	defer logger.DisableFileLogging()
	// Keep the terminal for the prompt; file logging still applies.
	logger.SetOutput(io.Discard)

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.bus.Close()

	history := filepath.Join(filepath.Dir(path), "console_history")
	return console.New(a.inbox, a.auth, os.Stdout, history).Run(ctx)
}
