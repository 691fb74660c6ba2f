// Copyright (C) 2021 Anshorei. All Rights Reserved.

package templates

import (
	"context"
	"time"

	zeroproto "github.com/Anshorei/zeronet-protocol"
	"github.com/Anshorei/zeronet-protocol/msgval"
)

// Protocol constants advertised in handshakes.
const (
	Version  = "0.7.6"
	Revision = 4565
	Protocol = "v2"
)

// A Handshake carries the parameters of the "handshake" command, the
// first exchange on every connection. Fields at their zero value are
// omitted from the wire, matching what existing peers produce.
type Handshake struct {
	PeerID         string
	FileserverPort int64
	Time           int64 // unix seconds at which the message was sent
	Crypt          string
	CryptSupported []string
	// UseBinType advertises a defect-free binary encoder. Peers
	// predating the bin/str distinction leave it unset.
	UseBinType bool
	Onion      string
	Protocol   string
	PortOpened *bool
	Rev        int64
	// TargetAddress is the address the handshake is addressed to,
	// including any ".onion" or ".b32.i2p" suffix. The wire field is
	// named target_ip for historical reasons.
	TargetAddress string
	Version       string
}

// NewHandshake returns a handshake populated with this library's
// protocol defaults.
func NewHandshake() *Handshake {
	opened := false
	return &Handshake{
		Version:    Version,
		Rev:        Revision,
		Protocol:   Protocol,
		UseBinType: true,
		PortOpened: &opened,
		Time:       time.Now().Unix(),
	}
}

// Params implements part of the template conversion interface.
func (h *Handshake) Params() msgval.Value {
	m := msgval.NewMap().
		Set("peer_id", msgval.String(h.PeerID)).
		Set("fileserver_port", msgval.Int(h.FileserverPort)).
		Set("time", msgval.Int(h.Time))
	if h.Crypt != "" {
		m.Set("crypt", msgval.String(h.Crypt))
	}
	if len(h.CryptSupported) != 0 {
		m.Set("crypt_supported", stringArray(h.CryptSupported))
	}
	if h.UseBinType {
		m.Set("use_bin_type", msgval.Bool(true))
	}
	if h.Onion != "" {
		m.Set("onion", msgval.String(h.Onion))
	}
	if h.Protocol != "" {
		m.Set("protocol", msgval.String(h.Protocol))
	}
	if h.PortOpened != nil {
		m.Set("port_opened", msgval.Bool(*h.PortOpened))
	}
	if h.Rev != 0 {
		m.Set("rev", msgval.Int(h.Rev))
	}
	if h.TargetAddress != "" {
		m.Set("target_ip", msgval.String(h.TargetAddress))
	}
	if h.Version != "" {
		m.Set("version", msgval.String(h.Version))
	}
	return msgval.MapValue(m)
}

// FromParams implements part of the template conversion interface.
func (h *Handshake) FromParams(v msgval.Value) error {
	m, ok := v.AsMap()
	if !ok {
		return typeError("handshake params", v)
	}
	return h.fromMap(m)
}

// FromBody implements part of the template conversion interface. A
// handshake response flattens the same fields into the response body.
func (h *Handshake) FromBody(m *msgval.Map) error { return h.fromMap(m) }

func (h *Handshake) fromMap(m *msgval.Map) error {
	var err error
	read := func(dst *string, key string) {
		if err == nil {
			*dst, err = getString(m, key)
		}
	}
	read(&h.PeerID, "peer_id")
	read(&h.Crypt, "crypt")
	read(&h.Onion, "onion")
	read(&h.Protocol, "protocol")
	read(&h.TargetAddress, "target_ip")
	read(&h.Version, "version")
	if err != nil {
		return err
	}
	if h.FileserverPort, err = getInt(m, "fileserver_port"); err != nil {
		return err
	}
	if h.Time, err = getInt(m, "time"); err != nil {
		return err
	}
	if h.Rev, err = getInt(m, "rev"); err != nil {
		return err
	}
	if h.CryptSupported, err = getStrings(m, "crypt_supported"); err != nil {
		return err
	}
	if h.UseBinType, err = getBool(m, "use_bin_type"); err != nil {
		return err
	}
	if v, ok := m.Get("port_opened"); ok && !v.IsNil() {
		opened, ok := v.AsBool()
		if !ok {
			return typeError("port_opened", v)
		}
		h.PortOpened = &opened
	}
	return nil
}

// Shake performs the handshake exchange on c and returns the remote
// peer's handshake fields. The engine accepts and sends frames only
// after the transport is established; the handshake is the first call
// on the open connection.
func Shake(ctx context.Context, c *zeroproto.Conn, h *Handshake) (*Handshake, error) {
	var remote Handshake
	if err := Do(ctx, c, "handshake", h, &remote); err != nil {
		return nil, err
	}
	return &remote, nil
}
