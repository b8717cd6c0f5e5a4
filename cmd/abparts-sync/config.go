// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/pfthomaz/abparts-sub001/internal/auth"
	"github.com/pfthomaz/abparts-sub001/offcache"
)

// cliEnv bundles the opened engine with the identity derived from the
// configured bearer token.
type cliEnv struct {
	client   *offcache.Client
	identity auth.Identity
	scope    offcache.Scope
}

// loadEnv reads configuration (flag > env > config file), derives the scope
// from the bearer token and opens the cache database.
func loadEnv(configFile string) (*cliEnv, error) {
	v := viper.New()
	v.SetEnvPrefix("ABPARTS")
	v.AutomaticEnv()
	v.SetDefault("db", defaultDBPath())

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(".abparts-sync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".abparts"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	baseURL := v.GetString("base_url")
	token := v.GetString("token")
	dbPath := v.GetString("db")
	if token == "" {
		return nil, fmt.Errorf("no bearer token configured (set token in config or ABPARTS_TOKEN)")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("no base_url configured")
	}

	identity, err := auth.IdentityFromToken(token)
	if err != nil {
		return nil, err
	}

	cfg := offcache.DefaultConfig(offcache.DefaultEntityTypes())
	// The CLI runs one command and exits; connectivity debounce only delays it.
	cfg.DebounceWindow = 0

	tokenFn := func(ctx context.Context) (string, error) { return token, nil }
	client, err := offcache.Open(dbPath, baseURL, tokenFn, nil, cfg)
	if err != nil {
		return nil, err
	}

	return &cliEnv{
		client:   client,
		identity: identity,
		scope:    offcache.UserScope(identity.UserID, identity.TenantID),
	}, nil
}

func defaultDBPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".abparts", "cache.db")
	}
	return "abparts-cache.db"
}

func closeEnv() error {
	if env == nil {
		return nil
	}
	env.client.Close()
	return env.client.DB.Close()
}
