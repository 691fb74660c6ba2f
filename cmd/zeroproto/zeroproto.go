// Copyright (C) 2021 Anshorei. All Rights Reserved.

// Program zeroproto is a command-line utility for interacting with
// peers speaking the ZeroNet file network protocol.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	zeroproto "github.com/Anshorei/zeronet-protocol"
	"github.com/Anshorei/zeronet-protocol/address"
	"github.com/Anshorei/zeronet-protocol/channel"
	"github.com/Anshorei/zeronet-protocol/stream"
	"github.com/Anshorei/zeronet-protocol/templates"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var flags struct {
	Peer    string        `flag:"peer,Peer address (host:port) or config alias"`
	Config  string        `flag:"config,Path to a TOML configuration file"`
	Timeout time.Duration `flag:"timeout,Call timeout (overrides the config)"`
	Binary  string        `flag:"bin,Binary field encoding: tagged, native or legacy"`
	Verbose bool          `flag:"v,Log frames to stderr"`
}

var outFlag struct {
	Output string `flag:"o,Write output to this file instead of stdout"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for interacting with ZeroNet protocol peers.",

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name: "ping",
				Help: "Measure the round-trip time to the peer.",
				Run:  runPing,
			},
			{
				Name: "handshake",
				Help: "Exchange handshakes with the peer and print its fields.",
				Run:  runHandshake,
			},
			{
				Name:     "get",
				Usage:    "<site> <inner-path>",
				Help:     "Fetch a site file with successive getFile calls.",
				SetFlags: command.Flags(flax.MustBind, &outFlag),
				Run:      runGet,
			},
			{
				Name:     "stream",
				Usage:    "<site> <inner-path>",
				Help:     "Fetch a site file with streamFile, the content arriving as frame trailers.",
				SetFlags: command.Flags(flax.MustBind, &outFlag),
				Run:      runStream,
			},
			{
				Name:  "pex",
				Usage: "<site> [need]",
				Help:  "Exchange peer lists for a site and print the discovered addresses.",
				Run:   runPex,
			},
			{
				Name:  "list-modified",
				Usage: "<site> <since-unix>",
				Help:  "List content files modified since a unix timestamp.",
				Run:   runListModified,
			},
			{
				Name: "addr",
				Help: "Convert between textual and packed peer addresses.",
				Commands: []*command.C{
					{
						Name:  "pack",
						Usage: "<host:port>...",
						Help:  "Pack addresses into their compact binary form (hex).",
						Run:   runPack,
					},
					{
						Name:  "unpack",
						Usage: "<family> <hex>...",
						Help: `Unpack compact binary addresses (hex) back to text.

The family is one of: ipv4, ipv6, onion, onion_v3, i2p_b32, loki.`,
						Run: runUnpack,
					},
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// dial connects to the selected peer, starts a connection on it, and
// performs the opening handshake. The returned cleanup stops the
// connection and closes the socket.
func dial(env *command.Env) (*zeroproto.Conn, func(), error) {
	cfg, err := loadConfig(flags.Config)
	if err != nil {
		return nil, nil, err
	}
	addr := flags.Peer
	if addr == "" {
		addr = cfg.Peer
	}
	if addr == "" {
		return nil, nil, env.Usagef("no peer address given (use -peer or a config file)")
	}
	addr = cfg.resolvePeer(addr)

	timeout := flags.Timeout
	if timeout <= 0 {
		timeout = time.Duration(cfg.Timeout)
	}
	binary := flags.Binary
	if binary == "" {
		binary = cfg.Binary
	}
	mode, err := parseBinaryMode(binary)
	if err != nil {
		return nil, nil, err
	}

	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	ch := channel.IO(nc, nc)
	ch.SetBinaryMode(mode)

	conn := zeroproto.NewConn().CallTimeout(timeout)
	if flags.Verbose {
		conn.LogFrames(func(fi zeroproto.FrameInfo) {
			fmt.Fprintln(os.Stderr, fi)
		})
	}
	conn.Start(ch)
	cleanup := func() {
		conn.Stop()
		nc.Close()
	}

	// Peers expect a handshake before any other command.
	hs := templates.NewHandshake()
	hs.PeerID = cfg.PeerID
	hs.FileserverPort = cfg.FileserverPort
	hs.TargetAddress = addr
	if _, err := templates.Shake(context.Background(), conn, hs); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}
	return conn, cleanup, nil
}

func parseBinaryMode(s string) (zeroproto.BinaryMode, error) {
	switch s {
	case "", "tagged":
		return zeroproto.BinaryTagged, nil
	case "native":
		return zeroproto.BinaryNative, nil
	case "legacy":
		return zeroproto.BinaryLegacy, nil
	}
	return 0, fmt.Errorf("unknown binary mode %q", s)
}

func runPing(env *command.Env) error {
	conn, cleanup, err := dial(env)
	if err != nil {
		return err
	}
	defer cleanup()
	rtt, err := conn.Ping(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("pong in %v\n", rtt.Round(time.Microsecond))
	return nil
}

func runHandshake(env *command.Env) error {
	conn, cleanup, err := dial(env)
	if err != nil {
		return err
	}
	defer cleanup()

	// dial already performed the exchange; repeat it to report the
	// remote's fields.
	remote, err := templates.Shake(context.Background(), conn, templates.NewHandshake())
	if err != nil {
		return err
	}
	fmt.Printf("peer_id:         %s\n", remote.PeerID)
	fmt.Printf("version:         %s (rev %d)\n", remote.Version, remote.Rev)
	fmt.Printf("protocol:        %s\n", remote.Protocol)
	fmt.Printf("fileserver_port: %d\n", remote.FileserverPort)
	fmt.Printf("use_bin_type:    %v\n", remote.UseBinType)
	if remote.Crypt != "" {
		fmt.Printf("crypt:           %s\n", remote.Crypt)
	}
	if remote.Onion != "" {
		fmt.Printf("onion:           %s\n", remote.Onion)
	}
	return nil
}

// openOutput returns the writer selected by the -o flag.
func openOutput() (*os.File, func() error, error) {
	if outFlag.Output == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(outFlag.Output)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func runGet(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("required arguments are <site> <inner-path>")
	}
	site, innerPath := env.Args[0], env.Args[1]
	conn, cleanup, err := dial(env)
	if err != nil {
		return err
	}
	defer cleanup()
	out, closeOut, err := openOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	req := &templates.GetFile{Site: site, InnerPath: innerPath}
	for {
		var rsp templates.GetFileResult
		if err := templates.Do(context.Background(), conn, "getFile", req, &rsp); err != nil {
			return err
		}
		if _, err := out.Write(rsp.Data); err != nil {
			return err
		}
		if rsp.Location >= rsp.Size || len(rsp.Data) == 0 {
			return closeOut()
		}
		req.Location = rsp.Location
		req.FileSize = rsp.Size
	}
}

func runStream(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("required arguments are <site> <inner-path>")
	}
	site, innerPath := env.Args[0], env.Args[1]
	conn, cleanup, err := dial(env)
	if err != nil {
		return err
	}
	defer cleanup()
	out, closeOut, err := openOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	n, err := stream.Fetch(context.Background(), conn, site, innerPath, out)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d bytes\n", n)
	return closeOut()
}

func runPex(env *command.Env) error {
	if len(env.Args) == 0 || len(env.Args) > 2 {
		return env.Usagef("required arguments are <site> [need]")
	}
	need := int64(10)
	if len(env.Args) == 2 {
		v, err := strconv.ParseInt(env.Args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid need: %w", err)
		}
		need = v
	}
	conn, cleanup, err := dial(env)
	if err != nil {
		return err
	}
	defer cleanup()

	var rsp templates.PexResult
	if err := templates.Do(context.Background(), conn, "pex", &templates.Pex{
		Site: env.Args[0],
		Need: need,
	}, &rsp); err != nil {
		return err
	}
	for _, a := range rsp.Addrs() {
		fmt.Println(a)
	}
	return nil
}

func runListModified(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("required arguments are <site> <since-unix>")
	}
	ts, err := strconv.ParseInt(env.Args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	conn, cleanup, err := dial(env)
	if err != nil {
		return err
	}
	defer cleanup()

	var rsp templates.ListModifiedResult
	if err := templates.Do(context.Background(), conn, "listModified", &templates.ListModified{
		Site:  env.Args[0],
		Since: ts,
	}, &rsp); err != nil {
		return err
	}
	paths := make([]string, 0, len(rsp.ModifiedFiles))
	for path := range rsp.ModifiedFiles {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Printf("%d\t%s\n", rsp.ModifiedFiles[path], path)
	}
	return nil
}

func runPack(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("no addresses given")
	}
	for _, arg := range env.Args {
		a, err := address.Parse(arg)
		if err != nil {
			return fmt.Errorf("address %q: %w", arg, err)
		}
		fmt.Printf("%s\t%x\n", a.Family(), a.Pack())
	}
	return nil
}

func runUnpack(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("required arguments are <family> <hex>...")
	}
	f, err := parseFamily(env.Args[0])
	if err != nil {
		return err
	}
	for _, arg := range env.Args[1:] {
		data, err := hex.DecodeString(arg)
		if err != nil {
			return fmt.Errorf("packed address %q: %w", arg, err)
		}
		a, err := address.Unpack(f, data)
		if err != nil {
			return fmt.Errorf("packed address %q: %w", arg, err)
		}
		fmt.Println(a)
	}
	return nil
}

func parseFamily(s string) (address.Family, error) {
	for _, f := range []address.Family{
		address.IPv4, address.IPv6, address.OnionV2,
		address.OnionV3, address.I2P, address.Lokinet,
	} {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown address family %q", s)
}
