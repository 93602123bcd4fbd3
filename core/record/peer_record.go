package record

import (
	"fmt"

	"github.com/meshward/go-p2pnode/core/peer"

	ma "github.com/multiformats/go-multiaddr"
	"google.golang.org/protobuf/encoding/protowire"
)

// PeerRecord is the payload sealed inside a signed Envelope: a peer id, a
// monotonically increasing sequence number, and the peer's advertised
// addresses (spec §3).
type PeerRecord struct {
	PeerID    peer.ID
	Seq       uint64
	Addresses []ma.Multiaddr
}

// Marshal encodes the peer record as a protobuf-shaped message: field 1 =
// peer id bytes, field 2 = seq varint, field 3 = repeated address bytes.
func (r *PeerRecord) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(r.PeerID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Seq)
	for _, a := range r.Addresses {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Bytes())
	}
	return b, nil
}

func UnmarshalPeerRecord(data []byte) (*PeerRecord, error) {
	r := &PeerRecord{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("peer record: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("peer record: bad peer id: %w", protowire.ParseError(n))
			}
			data = data[n:]
			r.PeerID = peer.ID(val)
		case num == 2 && typ == protowire.VarintType:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("peer record: bad seq: %w", protowire.ParseError(n))
			}
			data = data[n:]
			r.Seq = val
		case num == 3 && typ == protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("peer record: bad address: %w", protowire.ParseError(n))
			}
			data = data[n:]
			addr, err := ma.NewMultiaddrBytes(val)
			if err != nil {
				return nil, err
			}
			r.Addresses = append(r.Addresses, addr)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("peer record: bad field: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}
