package main

import (
	"context"
	"fmt"
	"os"

	"github.com/MegaGrindStone/localchat/internal/services"
	"github.com/MegaGrindStone/localchat/internal/session"
	"github.com/MegaGrindStone/localchat/internal/store"
)

// openStore opens the configured KV backend and hydrates the chat store from it.
func openStore(ctx context.Context) (*store.Store, error) {
	if err := os.MkdirAll(cfg.dataDir(), 0o755); err != nil {
		return nil, fmt.Errorf("error creating data directory: %w", err)
	}

	var kv store.KV
	var err error
	switch cfg.Store {
	case "sqlite":
		kv, err = services.NewSQLite(cfg.storePath())
	default:
		kv, err = services.NewBoltDB(cfg.storePath())
	}
	if err != nil {
		return nil, fmt.Errorf("error opening %s store: %w", cfg.Store, err)
	}

	s, err := store.New(ctx, kv, logger)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return s, nil
}

// newManager creates an idle session manager for the configured model.
func newManager() (*session.Manager, error) {
	loader, err := cfg.LLM.loader(logger)
	if err != nil {
		return nil, fmt.Errorf("error creating llm: %w", err)
	}
	return session.NewManager(loader, cfg.sessionOptions(), logger), nil
}
