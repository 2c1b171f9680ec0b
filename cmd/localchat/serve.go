package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/MegaGrindStone/localchat"
	"github.com/MegaGrindStone/localchat/internal/chat"
	"github.com/MegaGrindStone/localchat/internal/handlers"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var opts struct {
		Port string
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web interface",
		Long:  "Serve the web interface and start loading the model in the background.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Port != "" {
				cfg.Port = opts.Port
			}
			return serve(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&opts.Port, "port", "p", "", "port to listen on (default from config)")
	return cmd
}

// serve runs the web interface until ctx is canceled.
func serve(ctx context.Context) error {
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	manager, err := newManager()
	if err != nil {
		return err
	}

	m, err := handlers.NewMain(manager, st, chat.NewService(manager, st, logger), cfg.importPolicy(), logger)
	if err != nil {
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(localchat.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/new", m.HandleNewChat)
	mux.HandleFunc("/chats/select", m.HandleSelectChat)
	mux.HandleFunc("/chats/delete", m.HandleDeleteChat)
	mux.HandleFunc("/chats/clear", m.HandleClearChat)
	mux.HandleFunc("/chats/clear-all", m.HandleClearAll)
	mux.HandleFunc("/chats/stop", m.HandleStop)
	mux.HandleFunc("/messages", m.HandleMessage)
	mux.HandleFunc("/export", m.HandleExport)
	mux.HandleFunc("/import", m.HandleImport)
	mux.HandleFunc("/status", m.HandleStatus)
	mux.HandleFunc("/retry", m.HandleRetry)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shutdown sse server", zap.Error(err))
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// The model loads in the background; a failed load is retried from the browser.
	g.Go(func() error {
		if err := manager.Initialize(gctx); err != nil {
			logger.Error("Model load failed", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Graceful shutdown failed", zap.Error(err))
			if err := srv.Close(); err != nil {
				logger.Warn("Forcing server close", zap.Error(err))
			}
		}
		if err := manager.Dispose(shutdownCtx); err != nil {
			logger.Warn("Failed to release model", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
