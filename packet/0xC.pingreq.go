package packet

import (
	"bytes"
	"io"
)

// PINGREQ [§3.12] has no variable header or payload in either protocol
// version: fixed header only, flags DUP=0/QoS=0/RETAIN=0, sent on the
// keepalive interval. The broker must answer with PINGRESP or the client
// should close the connection.
type PINGREQ struct {
	*FixedHeader `json:"FixedHeader,omitempty"`
}

func (pkt *PINGREQ) Kind() byte {
	return 0xC
}
func (pkt *PINGREQ) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		return ErrMalformedPacket
	}
	pkt.Dup, pkt.QoS, pkt.Retain = 0, 0, 0
	return pkt.FixedHeader.Pack(w)
}
func (pkt *PINGREQ) Unpack(_ *bytes.Buffer) error {
	return nil
}
