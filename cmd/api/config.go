package main

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"escrowflow/agreement"
	"escrowflow/bridge"
)

// processConfig is everything the api binary needs to start. DATABASE_URL,
// LISTEN_ADDR and JWT_SECRET env vars override the file so deployments can
// keep secrets out of it.
type processConfig struct {
	Listen      string
	DatabaseURL string
	JWTSecret   string
	Domain      agreement.Domain
	BridgeFees  map[uint64]bridge.Quote
}

type fileConfig struct {
	Listen        string             `toml:"listen"`
	DatabaseURL   string             `toml:"database_url"`
	JWTSecret     string             `toml:"jwt_secret"`
	DomainName    string             `toml:"domain_name"`
	DomainVersion string             `toml:"domain_version"`
	NetworkID     uint64             `toml:"network_id"`
	Verifier      string             `toml:"verifier"`
	Bridge        []fileBridgeTarget `toml:"bridge"`
}

type fileBridgeTarget struct {
	Network        uint64 `toml:"network"`
	BridgeFee      string `toml:"bridge_fee"`
	DestinationGas string `toml:"destination_gas"`
}

func defaultConfig() processConfig {
	return processConfig{
		Listen: ":8080",
		Domain: agreement.Domain{
			Name:      "escrowflow",
			Version:   "1",
			NetworkID: 1,
		},
		BridgeFees: map[uint64]bridge.Quote{},
	}
}

// loadConfig reads the TOML file when path is non-empty and then applies env
// overrides on top. A missing path is fine; env alone can configure a run.
func loadConfig(path string) (processConfig, error) {
	cfg := defaultConfig()

	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return processConfig{}, fmt.Errorf("load config: %w", err)
		}

		if meta.IsDefined("listen") {
			cfg.Listen = strings.TrimSpace(raw.Listen)
		}
		if meta.IsDefined("database_url") {
			cfg.DatabaseURL = strings.TrimSpace(raw.DatabaseURL)
		}
		if meta.IsDefined("jwt_secret") {
			cfg.JWTSecret = raw.JWTSecret
		}
		if meta.IsDefined("domain_name") {
			cfg.Domain.Name = strings.TrimSpace(raw.DomainName)
		}
		if meta.IsDefined("domain_version") {
			cfg.Domain.Version = strings.TrimSpace(raw.DomainVersion)
		}
		if meta.IsDefined("network_id") {
			cfg.Domain.NetworkID = raw.NetworkID
		}
		if meta.IsDefined("verifier") {
			verifier, err := agreement.ParseIdentity(strings.TrimSpace(raw.Verifier))
			if err != nil {
				return processConfig{}, fmt.Errorf("parse verifier: %w", err)
			}
			cfg.Domain.Verifier = verifier
		}

		for _, target := range raw.Bridge {
			quote, err := parseBridgeTarget(target)
			if err != nil {
				return processConfig{}, err
			}
			cfg.BridgeFees[target.Network] = quote
		}
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("NETWORK_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return processConfig{}, fmt.Errorf("parse NETWORK_ID: %w", err)
		}
		cfg.Domain.NetworkID = id
	}

	if cfg.DatabaseURL == "" {
		return processConfig{}, fmt.Errorf("config: database_url is required (file or DATABASE_URL)")
	}
	if cfg.JWTSecret == "" {
		return processConfig{}, fmt.Errorf("config: jwt_secret is required (file or JWT_SECRET)")
	}

	return cfg, nil
}

func parseBridgeTarget(target fileBridgeTarget) (bridge.Quote, error) {
	if target.Network == 0 {
		return bridge.Quote{}, fmt.Errorf("config: bridge network 0 is the local network")
	}
	fee, ok := new(big.Int).SetString(strings.TrimSpace(target.BridgeFee), 10)
	if !ok {
		return bridge.Quote{}, fmt.Errorf("config: malformed bridge_fee %q for network %d", target.BridgeFee, target.Network)
	}
	gas, ok := new(big.Int).SetString(strings.TrimSpace(target.DestinationGas), 10)
	if !ok {
		return bridge.Quote{}, fmt.Errorf("config: malformed destination_gas %q for network %d", target.DestinationGas, target.Network)
	}
	return bridge.Quote{BridgeFee: fee, DestinationGas: gas}, nil
}
