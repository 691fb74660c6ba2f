// Copyright (C) 2021 Anshorei. All Rights Reserved.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// config is the TOML configuration for the tool. All fields are
// optional; command-line flags override the file.
type config struct {
	Peer    string   `toml:"peer"`          // default peer address (host:port)
	Timeout duration `toml:"timeout"`       // call timeout
	Binary  string   `toml:"binary_fields"` // tagged, native or legacy

	// Identity advertised in handshakes.
	PeerID         string `toml:"peer_id"`
	FileserverPort int64  `toml:"fileserver_port"`

	// Named peer aliases usable wherever an address is expected.
	Peers map[string]string `toml:"peers"`
}

// duration adapts time.Duration to TOML string syntax ("30s", "2m").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// loadConfig reads the TOML file at path. An empty path yields the
// zero configuration; a missing file at an explicit path is an error.
func loadConfig(path string) (*config, error) {
	cfg := &config{Timeout: duration(10 * time.Second)}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// resolvePeer expands a peer alias from the config, or returns addr
// unchanged if no alias matches.
func (c *config) resolvePeer(addr string) string {
	if alias, ok := c.Peers[addr]; ok {
		return alias
	}
	return addr
}
