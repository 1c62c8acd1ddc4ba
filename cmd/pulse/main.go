package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Napageneral/pulse/imessage"
	"github.com/Napageneral/pulse/internal/config"
	"github.com/Napageneral/pulse/internal/contactcache"
	"github.com/Napageneral/pulse/internal/hub"
	"github.com/Napageneral/pulse/internal/recent"
	"github.com/Napageneral/pulse/internal/server"
	"github.com/Napageneral/pulse/internal/watch"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulse",
		Short: "Pulse - Message archive API with live change streaming",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := map[string]interface{}{
				"version": version,
				"go":      "1.23",
			}
			return printJSON(output)
		},
	}

	pathsCmd := &cobra.Command{
		Use:   "paths",
		Short: "Print Pulse application paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			output := map[string]interface{}{
				"app_dir":          cfg.AppDir,
				"chat_db_path":     cfg.ChatDBPath,
				"contacts_db_path": cfg.ContactsDBPath,
				"addr":             cfg.Addr,
			}
			return printJSON(output)
		},
	}

	decodeCmd := &cobra.Command{
		Use:   "decode <file>",
		Short: "Decode an attributedBody blob from a file (debugging aid)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			text := imessage.DecodeAttributedBody(data)
			output := map[string]interface{}{
				"bytes":   len(data),
				"decoded": text != "",
				"text":    text,
			}
			return printJSON(output)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the message archive API and live update stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(pathsCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.AppDir, 0o755); err != nil {
		return fmt.Errorf("failed to create app dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chatdb, err := imessage.OpenChatDB(cfg.ChatDBPath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer chatdb.Close()
	log.Info("archive opened", zap.String("path", chatdb.Path()))

	changeHub := hub.New()
	defer changeHub.Close()

	// No directory lookup is wired yet: the worker idles and handles
	// resolve only through names already cached (or imported) in the
	// contacts DB. Pass a LookupFunc here to enable live resolution.
	contacts, err := contactcache.Open(cfg.ContactsDBPath, nil, contactcache.Options{
		QueueSize: cfg.ResolveQueueSize,
		LookupRPM: cfg.LookupRPM,
		OnChange: func() {
			changeHub.Publish(watch.Tick{Timestamp: time.Now().UnixMilli()})
		},
	}, log.Named("contacts"))
	if err != nil {
		return fmt.Errorf("failed to open contact cache: %w", err)
	}
	defer contacts.Close()
	go contacts.Worker(ctx)

	store := imessage.NewStore(chatdb, contacts, log.Named("store"))

	recentCache := recent.New(recent.DefaultTTL)

	watcher := watch.New(chatdb.Path(), watch.Options{
		Debounce:     cfg.Debounce,
		PollInterval: cfg.PollInterval,
	}, log.Named("watch"))
	watcher.Start(ctx)
	go func() {
		for tick := range watcher.Ticks() {
			recentCache.Clear()
			changeHub.Publish(tick)
		}
	}()

	srv := server.New(store, changeHub, recentCache, server.Options{
		LivePageSize: cfg.LivePageSize,
		HubBuffer:    cfg.HubBuffer,
	}, log.Named("http"))

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
		// Websocket sessions inherit this, so shutdown ends them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func printJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
