package selfawareness

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/pion/stun"
)

// EncodeReflexive packs a reflexive endpoint into a small STUN-style
// message body, reusing the XOR-MAPPED-ADDRESS attribute exactly as a
// STUN Binding response would, since HELLO/OK's reflexive-echo field is
// the same "here is the address I see you at" datum a STUN server would
// return.
func EncodeReflexive(endpoint netip.AddrPort) ([]byte, error) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingSuccess, &stun.XORMappedAddress{
		IP:   net.IP(endpoint.Addr().AsSlice()),
		Port: int(endpoint.Port()),
	})
	if err != nil {
		return nil, err
	}
	return msg.Raw, nil
}

// DecodeReflexive is the inverse of EncodeReflexive.
func DecodeReflexive(raw []byte) (netip.AddrPort, error) {
	m := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := m.Decode(); err != nil {
		return netip.AddrPort{}, err
	}
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err != nil {
		return netip.AddrPort{}, err
	}
	addr, ok := netip.AddrFromSlice(xor.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("selfawareness: invalid IP in XOR-MAPPED-ADDRESS: %v", xor.IP)
	}
	return netip.AddrPortFrom(addr, uint16(xor.Port)), nil
}
