package util

import "net/netip"

// Address classes reported in audit details.
const (
	AddressPublic      = "public"
	AddressPrivate     = "private"
	AddressLoopback    = "loopback"
	AddressLinkLocal   = "link_local"
	AddressUnspecified = "unspecified"
	AddressInvalid     = "invalid"
)

// ClassifyAddress returns the network class of a textual IP address.
func ClassifyAddress(s string) string {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return AddressInvalid
	}
	addr = addr.Unmap()

	switch {
	case addr.IsUnspecified():
		return AddressUnspecified
	case addr.IsLoopback():
		return AddressLoopback
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return AddressLinkLocal
	case addr.IsPrivate():
		return AddressPrivate
	default:
		return AddressPublic
	}
}
