package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// EncodeResponse serialises a response body into an envelope, LZ4-framing
// the payload for FLAT_NORMALIZED_COMPRESSED.
func EncodeResponse(resp *SearchResponse, format Format) (*Envelope, error) {
	if format == "" {
		format = FormatFlatNormalized
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}
	switch format {
	case FormatFlatNormalized:
		return &Envelope{Format: format, Payload: raw}, nil
	case FormatFlatNormalizedCompressed:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("compressing response: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("flushing compressed response: %w", err)
		}
		return &Envelope{Format: format, Payload: buf.Bytes()}, nil
	default:
		return nil, fmt.Errorf("unknown response format %q", format)
	}
}

// DecodeResponse unwraps an envelope back into a response body.
func DecodeResponse(env *Envelope) (*SearchResponse, error) {
	var raw []byte
	switch env.Format {
	case FormatFlatNormalized, "":
		raw = env.Payload
	case FormatFlatNormalizedCompressed:
		r := lz4.NewReader(bytes.NewReader(env.Payload))
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompressing response: %w", err)
		}
		raw = decompressed
	default:
		return nil, fmt.Errorf("unknown response format %q", env.Format)
	}
	var resp SearchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}
	return &resp, nil
}
