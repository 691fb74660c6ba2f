// Copyright (C) 2021 Anshorei. All Rights Reserved.

// Package address packs and unpacks peer addresses across the network's
// heterogeneous address families: plain IPv4/IPv6 and the
// anonymity-network identifiers (Tor onion v2/v3, I2P, Lokinet).
//
// A packed address is the family's host payload followed by a 2-byte
// big-endian port. There is no internal length prefix: once the family
// is known the payload length is fixed, so a mixed-family list can be
// packed as tag+payload tuples and unpacked by scanning tag-by-tag.
package address

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// A Family identifies a peer addressing scheme.
type Family byte

const (
	IPv4    Family = 1
	IPv6    Family = 2
	OnionV2 Family = 3
	OnionV3 Family = 4
	I2P     Family = 5
	Lokinet Family = 6
)

// Unpack failure modes. An unrecognized family tag and a wrong-length
// payload are distinct, explicit outcomes; the codec never guesses.
var (
	ErrUnknownFamily = errors.New("unknown address family")
	ErrBadLength     = errors.New("wrong payload length")
)

// familyInfo fixes the canonical host payload length per family.
// I2P destinations and Lokinet identifiers are variable-length in
// general; their canonical lengths below are the base32 hash forms used
// in peer-exchange payloads.
var familyInfo = [...]struct {
	name    string // field naming used in peer-exchange payloads
	hostLen int
	exact   bool // whether non-canonical host lengths are rejected
}{
	IPv4:    {"ipv4", net.IPv4len, true},
	IPv6:    {"ipv6", net.IPv6len, true},
	OnionV2: {"onion", 10, true},
	OnionV3: {"onion_v3", 35, true},
	I2P:     {"i2p_b32", 32, false},
	Lokinet: {"loki", 32, false},
}

func (f Family) valid() bool { return f >= IPv4 && f <= Lokinet }

func (f Family) String() string {
	if !f.valid() {
		return fmt.Sprintf("family %d", byte(f))
	}
	return familyInfo[f].name
}

// HostLen reports the canonical host payload length for f, not counting
// the 2-byte port. It reports -1 for an invalid family.
func (f Family) HostLen() int {
	if !f.valid() {
		return -1
	}
	return familyInfo[f].hostLen
}

// PackedLen reports the packed length of an address of family f,
// including the port field.
func (f Family) PackedLen() int {
	n := f.HostLen()
	if n < 0 {
		return -1
	}
	return n + portLen
}

const portLen = 2

// base32 without padding, as used in onion, .b32.i2p, and .loki names.
var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// An Addr is one peer address: a family, the family's host payload, and
// a port. The zero Addr is invalid.
type Addr struct {
	family Family
	host   []byte
	port   uint16
}

// New constructs an address from a family and host payload. The host
// length must match the family's canonical length, except for the
// variable-length families (I2P, Lokinet) which accept any non-empty
// payload so that identifiers can round-trip opaquely before semantic
// validation exists for them.
func New(f Family, host []byte, port uint16) (Addr, error) {
	if !f.valid() {
		return Addr{}, fmt.Errorf("%w: %d", ErrUnknownFamily, byte(f))
	}
	info := familyInfo[f]
	if info.exact && len(host) != info.hostLen {
		return Addr{}, fmt.Errorf("%w: %s host is %d bytes, want %d",
			ErrBadLength, f, len(host), info.hostLen)
	}
	if !info.exact && len(host) == 0 {
		return Addr{}, fmt.Errorf("%w: empty %s host", ErrBadLength, f)
	}
	return Addr{family: f, host: host, port: port}, nil
}

// FromNetAddr converts a TCP or UDP socket address to an Addr.
func FromNetAddr(na net.Addr) (Addr, error) {
	var ip net.IP
	var port int
	switch t := na.(type) {
	case *net.TCPAddr:
		ip, port = t.IP, t.Port
	case *net.UDPAddr:
		ip, port = t.IP, t.Port
	default:
		return Addr{}, fmt.Errorf("unsupported net.Addr type %T", na)
	}
	if v4 := ip.To4(); v4 != nil {
		return New(IPv4, v4, uint16(port))
	}
	return New(IPv6, ip.To16(), uint16(port))
}

// Family reports the address family of a.
func (a Addr) Family() Family { return a.family }

// Port reports the port of a.
func (a Addr) Port() uint16 { return a.port }

// Host reports the host payload of a. The caller must not modify the
// reported slice.
func (a Addr) Host() []byte { return a.host }

// WithPort returns a copy of a with the port replaced.
func (a Addr) WithPort(port uint16) Addr { a.port = port; return a }

// IsClearnet reports whether a is a plain IP address.
func (a Addr) IsClearnet() bool { return a.family == IPv4 || a.family == IPv6 }

// IsOnion reports whether a is a Tor onion service address.
func (a Addr) IsOnion() bool { return a.family == OnionV2 || a.family == OnionV3 }

// IsI2P reports whether a is an I2P destination.
func (a Addr) IsI2P() bool { return a.family == I2P }

// IsLokinet reports whether a is a Lokinet identifier.
func (a Addr) IsLokinet() bool { return a.family == Lokinet }

// Equal reports whether a and b denote the same address.
func (a Addr) Equal(b Addr) bool {
	return a.family == b.family && a.port == b.port && string(a.host) == string(b.host)
}

// TCPAddr converts a clearnet address to a *net.TCPAddr.
// It reports false for non-IP families.
func (a Addr) TCPAddr() (*net.TCPAddr, bool) {
	if !a.IsClearnet() {
		return nil, false
	}
	return &net.TCPAddr{IP: net.IP(a.host), Port: int(a.port)}, true
}

// String renders a in host:port form: dotted quad or bracketed IPv6 for
// clearnet addresses, base32 names with the scheme suffix otherwise.
func (a Addr) String() string {
	port := strconv.Itoa(int(a.port))
	switch a.family {
	case IPv4:
		return net.IP(a.host).String() + ":" + port
	case IPv6:
		return "[" + net.IP(a.host).String() + "]:" + port
	case OnionV2, OnionV3:
		return b32name(a.host) + ".onion:" + port
	case I2P:
		return b32name(a.host) + ".b32.i2p:" + port
	case Lokinet:
		return b32name(a.host) + ".loki:" + port
	}
	return "<invalid>:" + port
}

func b32name(host []byte) string {
	return strings.ToLower(b32.EncodeToString(host))
}

// Parse parses a textual peer address. Recognized forms are
// "1.2.3.4:port", "[v6]:port", "xxx.onion:port", "xxx.b32.i2p:port",
// and "xxx.loki:port".
func Parse(s string) (Addr, error) {
	hostStr, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	if name, ok := strings.CutSuffix(hostStr, ".onion"); ok {
		host, err := b32host(name)
		if err != nil {
			return Addr{}, err
		}
		switch len(host) {
		case familyInfo[OnionV2].hostLen:
			return New(OnionV2, host, uint16(port))
		case familyInfo[OnionV3].hostLen:
			return New(OnionV3, host, uint16(port))
		default:
			return Addr{}, fmt.Errorf("%w: onion name %q", ErrBadLength, name)
		}
	}
	if name, ok := strings.CutSuffix(hostStr, ".b32.i2p"); ok {
		host, err := b32host(name)
		if err != nil {
			return Addr{}, err
		}
		return New(I2P, host, uint16(port))
	}
	if name, ok := strings.CutSuffix(hostStr, ".loki"); ok {
		host, err := b32host(name)
		if err != nil {
			return Addr{}, err
		}
		return New(Lokinet, host, uint16(port))
	}

	ip := net.ParseIP(hostStr)
	if ip == nil {
		return Addr{}, fmt.Errorf("unrecognized address %q", s)
	}
	if v4 := ip.To4(); v4 != nil {
		return New(IPv4, v4, uint16(port))
	}
	return New(IPv6, ip.To16(), uint16(port))
}

func b32host(name string) ([]byte, error) {
	host, err := b32.DecodeString(strings.ToUpper(name))
	if err != nil {
		return nil, fmt.Errorf("invalid base32 name %q: %w", name, err)
	}
	return host, nil
}

// Pack encodes a in packed wire form: the host payload followed by the
// port in 2 big-endian bytes. The result has no family tag; the family
// is conveyed by context (the peer-exchange field the address sits in,
// or the tag byte written by PackList).
func (a Addr) Pack() []byte {
	var b builder
	b.put(a.host...)
	b.uint16(a.port)
	return b.bytes()
}

// Unpack decodes a packed address of the given family. The payload
// length once the family is known is fixed for the exact-length families
// and a wrong length is an explicit failure, never truncated. The
// variable-length families accept any payload that leaves room for the
// port, so their identifiers round-trip opaquely.
func Unpack(f Family, data []byte) (Addr, error) {
	if !f.valid() {
		return Addr{}, fmt.Errorf("%w: %d", ErrUnknownFamily, byte(f))
	}
	info := familyInfo[f]
	if info.exact && len(data) != info.hostLen+portLen {
		return Addr{}, fmt.Errorf("%w: packed %s is %d bytes, want %d",
			ErrBadLength, f, len(data), info.hostLen+portLen)
	}
	if !info.exact && len(data) < 1+portLen {
		return Addr{}, fmt.Errorf("%w: packed %s is %d bytes", ErrBadLength, f, len(data))
	}
	s := newScanner(data)
	host, _ := s.get(len(data) - portLen)
	port, _ := s.uint16()
	return Addr{family: f, host: host, port: port}, nil
}

// PackList encodes a mixed-family address list as consecutive
// tag+payload tuples: one family tag byte, then the packed address.
func PackList(addrs []Addr) []byte {
	var b builder
	for _, a := range addrs {
		b.put(byte(a.family))
		b.put(a.host...)
		b.uint16(a.port)
	}
	return b.bytes()
}

// UnpackList decodes a list packed by PackList, scanning tag-by-tag.
// Each tag fixes the length of the tuple that follows; an unknown tag is
// an explicit failure since the scan cannot skip a tuple of unknown size.
func UnpackList(data []byte) ([]Addr, error) {
	s := newScanner(data)
	var out []Addr
	for s.len() > 0 {
		tag, _ := s.byte()
		f := Family(tag)
		if !f.valid() {
			return nil, fmt.Errorf("%w: tag %d at offset %d", ErrUnknownFamily, tag, s.offset()-1)
		}
		host, err := s.get(familyInfo[f].hostLen)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated %s at offset %d", ErrBadLength, f, s.offset())
		}
		port, err := s.uint16()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated %s port at offset %d", ErrBadLength, f, s.offset())
		}
		out = append(out, Addr{family: f, host: host, port: port})
	}
	return out, nil
}
