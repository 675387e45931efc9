// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package netmatch decides whether an address belongs to a configured
// network prefix. Networks are parsed once at configuration load and are
// immutable afterwards.
package netmatch

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var (
	// ErrInvalidCIDR is returned when network text cannot be parsed.
	ErrInvalidCIDR = errors.New("invalid network")

	// ErrPrefixTooLong is returned when the prefix length exceeds the
	// bit-width of the address family.
	ErrPrefixTooLong = errors.New("prefix length exceeds address width")
)

// Network is a base address plus prefix length. Host bits beyond the
// prefix are discarded at parse time, so "192.168.69.5/24" and
// "192.168.69.0/24" are the same network.
type Network struct {
	base netip.Addr
	bits int
}

// Parse reads "addr/bits" or a bare address. A bare address is a
// full-width network that matches only itself. IPv4-mapped IPv6 entries
// become the equivalent IPv4 network.
func Parse(text string) (Network, error) {
	text = strings.TrimSpace(text)

	addrText, bitsText, hasBits := strings.Cut(text, "/")

	addr, err := netip.ParseAddr(addrText)
	if err != nil {
		return Network{}, fmt.Errorf("%w %q: %v", ErrInvalidCIDR, text, err)
	}
	// Zones have no meaning for prefix matching.
	addr = addr.WithZone("")

	bits := addr.BitLen()
	if hasBits {
		bits, err = strconv.Atoi(bitsText)
		if err != nil || bits < 0 {
			return Network{}, fmt.Errorf("%w %q: bad prefix length", ErrInvalidCIDR, text)
		}
		if bits > addr.BitLen() {
			return Network{}, fmt.Errorf("%w: %q has /%d, family allows /%d",
				ErrPrefixTooLong, text, bits, addr.BitLen())
		}
	}

	// Callers see IPv4 peers unmapped, so mapped entries are stored as IPv4.
	if addr.Is4In6() {
		if bits < 96 {
			return Network{}, fmt.Errorf("%w %q: IPv4-mapped prefix shorter than /96", ErrInvalidCIDR, text)
		}
		addr = addr.Unmap()
		bits -= 96
	}

	return New(addr, bits)
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(text string) Network {
	n, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return n
}

// New builds a Network from an address and prefix length.
func New(addr netip.Addr, bits int) (Network, error) {
	if !addr.IsValid() {
		return Network{}, fmt.Errorf("%w: zero address", ErrInvalidCIDR)
	}
	if bits < 0 || bits > addr.BitLen() {
		return Network{}, fmt.Errorf("%w: /%d for %s", ErrPrefixTooLong, bits, addr)
	}
	masked, err := addr.WithZone("").Prefix(bits)
	if err != nil {
		return Network{}, fmt.Errorf("%w: %v", ErrInvalidCIDR, err)
	}
	return Network{base: masked.Addr(), bits: bits}, nil
}

// Addr returns the masked base address.
func (n Network) Addr() netip.Addr { return n.base }

// Bits returns the prefix length.
func (n Network) Bits() int { return n.bits }

// String renders the network in CIDR notation.
func (n Network) String() string {
	return netip.PrefixFrom(n.base, n.bits).String()
}

// Matches reports whether addr falls inside the network. Addresses of a
// different family never match; that is not an error.
func Matches(n Network, addr netip.Addr) bool {
	if !n.base.IsValid() || !addr.IsValid() {
		return false
	}
	if n.base.Is4() != addr.Is4() {
		return false
	}
	p, err := addr.Prefix(n.bits)
	if err != nil {
		return false
	}
	return p.Addr() == n.base
}

// Contains is Matches as a method.
func (n Network) Contains(addr netip.Addr) bool {
	return Matches(n, addr)
}

// List is an allow-list of networks.
type List []Network

// ParseList parses every entry, failing on the first bad one.
func ParseList(texts []string) (List, error) {
	list := make(List, 0, len(texts))
	for _, t := range texts {
		n, err := Parse(t)
		if err != nil {
			return nil, err
		}
		list = append(list, n)
	}
	return list, nil
}

// Any reports whether some network in the list matches addr. An empty
// list matches nothing.
func (l List) Any(addr netip.Addr) bool {
	for _, n := range l {
		if Matches(n, addr) {
			return true
		}
	}
	return false
}
