package protocol

import (
	"fmt"
	"strings"

	"github.com/strand-protocol/strand/mgmtapi/pkg/mgmtbuf"
)

// ExpectHeader reads one tag byte from r and fails with ErrHeaderMismatch if
// it is not want.
func ExpectHeader(r *mgmtbuf.Reader, want byte) error {
	got, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("mgmt protocol: read header 0x%02x: %w", want, err)
	}
	if got != want {
		return fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrHeaderMismatch, got, want)
	}
	return nil
}

// FormatPossibleIPv6Address brackets a bare IPv6 literal so it can be placed
// in a URI. Hostnames, IPv4 addresses and already bracketed values come back
// unchanged.
func FormatPossibleIPv6Address(address string) string {
	if !strings.Contains(address, ":") {
		return address
	}
	if strings.HasPrefix(address, "[") && strings.HasSuffix(address, "]") {
		return address
	}
	return "[" + address + "]"
}
