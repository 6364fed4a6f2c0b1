// Package joincode generates and checks the short codes a host shows to its guest,
// and packs address plus code into a single copyable ticket.
package joincode

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/park285/cheese-lan/internal/gameerr"
)

// DefaultBytes gives an 8-character code.
const DefaultBytes = 4

const (
	CodeMalformedJoinCode = "malformed_join_code"
	CodeMalformedTicket   = "malformed_ticket"
	CodeMalformedAddress  = "malformed_address"
)

// Generate reads n random bytes from r and returns them as lowercase hex.
func Generate(r io.Reader, n int) (string, error) {
	if n <= 0 {
		n = DefaultBytes
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("join code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Normalize trims and lowercases user input.
func Normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// Validate reports a UserError unless code is 2n hex characters.
func Validate(code string, n int) error {
	if n <= 0 {
		n = DefaultBytes
	}
	c := Normalize(code)
	if len(c) != 2*n {
		return gameerr.User(CodeMalformedJoinCode, fmt.Sprintf("join code must be %d characters", 2*n))
	}
	if _, err := hex.DecodeString(c); err != nil {
		return gameerr.User(CodeMalformedJoinCode, "join code must be hexadecimal")
	}
	return nil
}

// Equal compares codes case-insensitively in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(Normalize(a)), []byte(Normalize(b))) == 1
}

// EncodeTicket packs an IPv4 address, port and code into one hex string.
func EncodeTicket(addr netip.AddrPort, code string) (string, error) {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return "", fmt.Errorf("ticket needs an IPv4 address, got %s", ip)
	}
	raw, err := hex.DecodeString(Normalize(code))
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("ticket code %q is not hex", code)
	}
	v4 := ip.As4()
	buf := make([]byte, 0, 6+len(raw))
	buf = append(buf, v4[:]...)
	buf = binary.BigEndian.AppendUint16(buf, addr.Port())
	buf = append(buf, raw...)
	return hex.EncodeToString(buf), nil
}

// DecodeTicket reverses EncodeTicket. Malformed input is a UserError.
func DecodeTicket(ticket string) (netip.AddrPort, string, error) {
	raw, err := hex.DecodeString(Normalize(ticket))
	if err != nil || len(raw) < 7 {
		return netip.AddrPort{}, "", gameerr.User(CodeMalformedTicket, "ticket is not a valid join ticket")
	}
	ip := netip.AddrFrom4([4]byte(raw[:4]))
	port := binary.BigEndian.Uint16(raw[4:6])
	if port == 0 {
		return netip.AddrPort{}, "", gameerr.User(CodeMalformedTicket, "ticket has no port")
	}
	return netip.AddrPortFrom(ip, port), hex.EncodeToString(raw[6:]), nil
}

// ParseAddress accepts "host:port" or a bare IPv4/IPv6 literal with port.
func ParseAddress(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
	if err != nil || ap.Port() == 0 {
		return netip.AddrPort{}, gameerr.User(CodeMalformedAddress, fmt.Sprintf("%q is not an ip:port address", s))
	}
	return ap, nil
}
