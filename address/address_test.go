// Copyright (C) 2021 Anshorei. All Rights Reserved.

package address_test

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/Anshorei/zeronet-protocol/address"
	"github.com/google/go-cmp/cmp"
)

func mustParse(t *testing.T, s string) address.Addr {
	t.Helper()
	a, err := address.Parse(s)
	if err != nil {
		t.Fatalf("Parse %q: unexpected error: %v", s, err)
	}
	return a
}

func TestPackIPv4(t *testing.T) {
	a := mustParse(t, "127.0.0.1:15441")

	// 4 host bytes plus the port in 2 big-endian bytes, nothing else.
	want := []byte{127, 0, 0, 1, 0x3c, 0x51}
	if got := a.Pack(); !bytes.Equal(got, want) {
		t.Errorf("Pack: got %x, want %x", got, want)
	}

	back, err := address.Unpack(address.IPv4, want)
	if err != nil {
		t.Fatalf("Unpack: unexpected error: %v", err)
	}
	if !back.Equal(a) {
		t.Errorf("Unpack: got %v, want %v", back, a)
	}
	if back.Port() != 15441 {
		t.Errorf("Port: got %d, want 15441", back.Port())
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		text   string
		family address.Family
		packed int // expected packed length
	}{
		{"1.2.3.4:80", address.IPv4, 6},
		{"[2001:db8::1]:8080", address.IPv6, 18},
		{"mfrggzdfmztwq2lk.onion:15441", address.OnionV2, 12},
		{"vww6ybal4bd7szmgncyruucpgfkqahzddi37ktceo3ah7ngmcopnpyyd.onion:443", address.OnionV3, 37},
		{"ukeu3k5oycgaauneqgtnvselmt4yemvoilkln7jpvamvfx7dnkdq.b32.i2p:0", address.I2P, 34},
		{"exampleexampleexampleexampleexampleexampleexampleexa.loki:1234", address.Lokinet, 34},
	}
	for _, test := range tests {
		t.Run(test.family.String(), func(t *testing.T) {
			a := mustParse(t, test.text)
			if a.Family() != test.family {
				t.Errorf("Family: got %v, want %v", a.Family(), test.family)
			}
			packed := a.Pack()
			if len(packed) != test.packed {
				t.Errorf("Packed length: got %d, want %d", len(packed), test.packed)
			}
			back, err := address.Unpack(test.family, packed)
			if err != nil {
				t.Fatalf("Unpack: unexpected error: %v", err)
			}
			if !back.Equal(a) {
				t.Errorf("Unpack: got %v, want %v", back, a)
			}
			if got := back.String(); got != test.text {
				t.Errorf("String: got %q, want %q", got, test.text)
			}
		})
	}
}

func TestUnpackErrors(t *testing.T) {
	t.Run("UnknownFamily", func(t *testing.T) {
		_, err := address.Unpack(address.Family(77), []byte{1, 2, 3, 4, 0, 80})
		if !errors.Is(err, address.ErrUnknownFamily) {
			t.Errorf("Unpack: got error %v, want %v", err, address.ErrUnknownFamily)
		}
	})
	t.Run("WrongLength", func(t *testing.T) {
		// Exact-length families reject every other length, including
		// prefixes that would "fit".
		for _, n := range []int{0, 5, 7, 18} {
			_, err := address.Unpack(address.IPv4, make([]byte, n))
			if !errors.Is(err, address.ErrBadLength) {
				t.Errorf("Unpack %d bytes: got error %v, want %v", n, err, address.ErrBadLength)
			}
		}
	})
	t.Run("VariableTooShort", func(t *testing.T) {
		_, err := address.Unpack(address.I2P, []byte{0, 80})
		if !errors.Is(err, address.ErrBadLength) {
			t.Errorf("Unpack: got error %v, want %v", err, address.ErrBadLength)
		}
	})
	t.Run("VariableOddLength", func(t *testing.T) {
		// Variable-length families accept non-canonical payloads.
		a, err := address.Unpack(address.Lokinet, append(make([]byte, 40), 0x1f, 0x90))
		if err != nil {
			t.Fatalf("Unpack: unexpected error: %v", err)
		}
		if len(a.Host()) != 40 || a.Port() != 8080 {
			t.Errorf("Unpack: got %d host bytes port %d, want 40 and 8080", len(a.Host()), a.Port())
		}
	})
}

func TestPackList(t *testing.T) {
	addrs := []address.Addr{
		mustParse(t, "1.2.3.4:80"),
		mustParse(t, "mfrggzdfmztwq2lk.onion:15441"),
		mustParse(t, "[::1]:9"),
	}
	data := address.PackList(addrs)

	// tag + payload per entry: (1+6) + (1+12) + (1+18)
	if len(data) != 39 {
		t.Errorf("Packed list length: got %d, want 39", len(data))
	}
	back, err := address.UnpackList(data)
	if err != nil {
		t.Fatalf("UnpackList: unexpected error: %v", err)
	}
	if diff := cmp.Diff(addrs, back, cmp.Comparer(address.Addr.Equal)); diff != "" {
		t.Errorf("Unpacked list (-want, +got):\n%s", diff)
	}
}

func TestUnpackListErrors(t *testing.T) {
	t.Run("UnknownTag", func(t *testing.T) {
		data := append([]byte{9}, make([]byte, 6)...)
		_, err := address.UnpackList(data)
		if !errors.Is(err, address.ErrUnknownFamily) {
			t.Errorf("UnpackList: got error %v, want %v", err, address.ErrUnknownFamily)
		}
	})
	t.Run("Truncated", func(t *testing.T) {
		data := address.PackList([]address.Addr{mustParse(t, "1.2.3.4:80")})
		_, err := address.UnpackList(data[:len(data)-1])
		if !errors.Is(err, address.ErrBadLength) {
			t.Errorf("UnpackList: got error %v, want %v", err, address.ErrBadLength)
		}
	})
	t.Run("Empty", func(t *testing.T) {
		got, err := address.UnpackList(nil)
		if err != nil || len(got) != 0 {
			t.Errorf("UnpackList: got %v, %v; want empty", got, err)
		}
	})
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"",                         // no port
		"1.2.3.4",                  // no port
		"1.2.3.4:99999",            // port out of range
		"notahost:80",              // unrecognized host
		"??.onion:80",              // invalid base32
		"mfrggzdfmztwq2l.onion:80", // onion name of the wrong length
	}
	for _, s := range tests {
		if a, err := address.Parse(s); err == nil {
			t.Errorf("Parse %q: got %v, wanted error", s, a)
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := address.New(address.IPv4, []byte{1, 2, 3}, 80); !errors.Is(err, address.ErrBadLength) {
		t.Errorf("New short ipv4: got error %v, want %v", err, address.ErrBadLength)
	}
	if _, err := address.New(address.I2P, nil, 80); !errors.Is(err, address.ErrBadLength) {
		t.Errorf("New empty i2p: got error %v, want %v", err, address.ErrBadLength)
	}
	if _, err := address.New(address.Family(0), []byte{1}, 80); !errors.Is(err, address.ErrUnknownFamily) {
		t.Errorf("New invalid family: got error %v, want %v", err, address.ErrUnknownFamily)
	}
}

func TestPredicatesAndConversions(t *testing.T) {
	ip := mustParse(t, "10.0.0.1:80")
	onion := mustParse(t, "mfrggzdfmztwq2lk.onion:80")

	if !ip.IsClearnet() || ip.IsOnion() {
		t.Errorf("Predicates for %v wrong: clearnet=%v onion=%v", ip, ip.IsClearnet(), ip.IsOnion())
	}
	if !onion.IsOnion() || onion.IsClearnet() {
		t.Errorf("Predicates for %v wrong: clearnet=%v onion=%v", onion, onion.IsClearnet(), onion.IsOnion())
	}

	moved := ip.WithPort(8080)
	if moved.Port() != 8080 || ip.Port() != 80 {
		t.Errorf("WithPort: got %d (original %d), want 8080 and 80", moved.Port(), ip.Port())
	}

	ta, ok := ip.TCPAddr()
	if !ok || ta.String() != "10.0.0.1:80" {
		t.Errorf("TCPAddr: got %v (%v), want 10.0.0.1:80", ta, ok)
	}
	if _, ok := onion.TCPAddr(); ok {
		t.Error("TCPAddr for an onion address unexpectedly succeeded")
	}

	back, err := address.FromNetAddr(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 80})
	if err != nil {
		t.Fatalf("FromNetAddr: unexpected error: %v", err)
	}
	if !back.Equal(ip) {
		t.Errorf("FromNetAddr: got %v, want %v", back, ip)
	}
	if _, err := address.FromNetAddr(&net.UnixAddr{Name: "x"}); err == nil ||
		!strings.Contains(err.Error(), "unsupported") {
		t.Errorf("FromNetAddr unix: got error %v, want unsupported", err)
	}
}
