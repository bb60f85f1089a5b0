package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shmooki/royal-mail-ship/channel"
	"github.com/shmooki/royal-mail-ship/config"
	"github.com/shmooki/royal-mail-ship/db"
	"github.com/shmooki/royal-mail-ship/server"
	"github.com/shmooki/royal-mail-ship/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	sessions, err := openSessions(cfg)
	if err != nil {
		return err
	}
	channels, err := openChannels(cfg, database)
	if err != nil {
		return err
	}
	log.Printf("Restored %d users and %d channels", sessions.Len(), channels.Len())

	srv, err := server.New(channels, sessions, database, &server.ServerConfig{
		Host:             cfg.Host,
		Port:             cfg.Port,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		OutboundQueue:    cfg.OutboundQueue,
		FileDir:          cfg.FileDir,
	})
	if err != nil {
		return err
	}

	if cfg.ControlSocket != "" {
		go func() {
			if err := srv.ServeControl(cfg.ControlSocket); err != nil {
				log.Printf("Control socket disabled: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal %v, shutting down...", sig)
			srv.Shutdown("maintenance", time.Time{})
		case <-srv.Done():
		}
	}()

	if err := srv.Start(); err != nil {
		return err
	}
	<-srv.Done()
	return nil
}

// openSessions replays the credential log into a fresh registry.
func openSessions(cfg *config.Config) (*session.Registry, error) {
	creds := session.NewCredentialLog(cfg.CredentialsFile)
	users, err := creds.Load()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	var verifier session.Verifier = session.PlainVerifier{}
	if cfg.HashPasswords {
		verifier = session.BcryptVerifier{}
	}

	sessions := session.NewRegistry(session.Options{
		MaxSessions: cfg.MaxSessions,
		Log:         creds,
		Verifier:    verifier,
	})
	if err := sessions.Restore(users); err != nil {
		return nil, fmt.Errorf("restore users: %w", err)
	}
	return sessions, nil
}

func openChannels(cfg *config.Config, recorder channel.SubscriptionRecorder) (*channel.Registry, error) {
	store, err := channel.NewStore(cfg.ChannelDir)
	if err != nil {
		return nil, fmt.Errorf("open channel store: %w", err)
	}

	channels := channel.NewRegistry(channel.Options{
		MaxChannels:     cfg.MaxChannels,
		MaxParticipants: cfg.MaxParticipants,
		HistorySize:     cfg.HistorySize,
		Store:           store,
		Recorder:        recorder,
	})
	if err := channels.Load(); err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	return channels, nil
}
