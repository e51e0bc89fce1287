// Package vpn defines the protocol tags, the adapter contract against
// remote VPN panels, and the registry binding one to the other.
package vpn

import "fmt"

// Protocol identifies a VPN protocol the engine can provision.
type Protocol string

const (
	ProtocolVLESS     Protocol = "vless"
	ProtocolOpenVPN   Protocol = "openvpn"
	ProtocolWireGuard Protocol = "wireguard"
	ProtocolIKEv2     Protocol = "ikev2"
)

var validProtocols = map[Protocol]bool{
	ProtocolVLESS:     true,
	ProtocolOpenVPN:   true,
	ProtocolWireGuard: true,
	ProtocolIKEv2:     true,
}

func (p Protocol) String() string {
	return string(p)
}

func (p Protocol) IsValid() bool {
	return validProtocols[p]
}

// ParseProtocol validates and returns the protocol tag for s.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(s)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown vpn protocol: %q", s)
	}
	return p, nil
}

// Protocols returns all known protocol tags.
func Protocols() []Protocol {
	return []Protocol{ProtocolVLESS, ProtocolOpenVPN, ProtocolWireGuard, ProtocolIKEv2}
}
