package comm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	frameFieldTag     protowire.Number = 1
	frameFieldPayload protowire.Number = 2

	defaultMaxFrameSize = 1 << 30
)

// appendFrame encodes one message as a varint length-prefixed protobuf
// record: field 1 is the zig-zag tag, field 2 the packed fixed64 payload.
func appendFrame(b []byte, tag int, data []float64) []byte {
	payload := make([]byte, 0, 8*len(data))
	for _, v := range data {
		payload = protowire.AppendFixed64(payload, math.Float64bits(v))
	}
	body := protowire.AppendTag(nil, frameFieldTag, protowire.VarintType)
	body = protowire.AppendVarint(body, protowire.EncodeZigZag(int64(tag)))
	body = protowire.AppendTag(body, frameFieldPayload, protowire.BytesType)
	body = protowire.AppendBytes(body, payload)

	b = protowire.AppendVarint(b, uint64(len(body)))
	return append(b, body...)
}

func readFrame(r *bufio.Reader, maxSize int) (tag int, data []float64, err error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	if size > uint64(maxSize) {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return parseFrame(body)
}

func parseFrame(body []byte) (tag int, data []float64, err error) {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if err = protowire.ParseError(n); err != nil {
			return 0, nil, err
		}
		body = body[n:]
		switch {
		case num == frameFieldTag && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if err = protowire.ParseError(n); err != nil {
				return 0, nil, err
			}
			tag = int(protowire.DecodeZigZag(v))
			body = body[n:]
		case num == frameFieldPayload && typ == protowire.BytesType:
			payload, n := protowire.ConsumeBytes(body)
			if err = protowire.ParseError(n); err != nil {
				return 0, nil, err
			}
			if len(payload)%8 != 0 {
				return 0, nil, fmt.Errorf("%w: payload of %d bytes", ErrProtocol, len(payload))
			}
			data = make([]float64, 0, len(payload)/8)
			for len(payload) > 0 {
				bits, m := protowire.ConsumeFixed64(payload)
				if err = protowire.ParseError(m); err != nil {
					return 0, nil, err
				}
				data = append(data, math.Float64frombits(bits))
				payload = payload[m:]
			}
			body = body[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, body)
			if err = protowire.ParseError(n); err != nil {
				return 0, nil, err
			}
			body = body[n:]
		}
	}
	return tag, data, nil
}
