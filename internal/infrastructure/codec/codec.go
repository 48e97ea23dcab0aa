// Package codec serializes captured rows into snapshot payloads.
//
// A payload is a typed JSON array that keeps column order and scalar types,
// optionally zstd-compressed and age-encrypted. The applied layers are recorded
// in an encoding descriptor such as "json+zstd+age" stored next to the payload.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/shopspring/decimal"

	"tombstone/internal/domain/cascade"
)

// Encoding layers.
const (
	LayerJSON = "json"
	LayerZstd = "zstd"
	LayerAge  = "age"
)

// DefaultCompressThreshold is the payload size above which zstd is applied.
const DefaultCompressThreshold = 4 * 1024

// Value kinds of the typed JSON form.
const (
	kindNull    = "null"
	kindBool    = "bool"
	kindInt     = "int"
	kindFloat   = "float"
	kindDecimal = "decimal"
	kindString  = "string"
	kindBytes   = "bytes"
	kindTime    = "time"
	kindUUID    = "uuid"
	kindJSON    = "json"
)

type field struct {
	C string          `json:"c"`
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// Config configures a Codec.
type Config struct {
	// CompressThreshold in bytes; 0 uses DefaultCompressThreshold, negative disables compression.
	CompressThreshold int

	// Recipients enable encryption of new payloads.
	Recipients []age.Recipient

	// Identities decrypt payloads written with encryption.
	Identities []age.Identity
}

// Codec encodes and decodes snapshot payloads. It is safe for concurrent use.
type Codec struct {
	threshold  int
	recipients []age.Recipient
	identities []age.Identity
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder
}

// New creates a codec.
func New(cfg Config) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	threshold := cfg.CompressThreshold
	if threshold == 0 {
		threshold = DefaultCompressThreshold
	}
	return &Codec{
		threshold:  threshold,
		recipients: cfg.Recipients,
		identities: cfg.Identities,
		encoder:    encoder,
		decoder:    decoder,
	}, nil
}

// MustNew is New for tests and static setup.
func MustNew(cfg Config) *Codec {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseRecipients reads age recipients (one public key per line).
func ParseRecipients(r io.Reader) ([]age.Recipient, error) {
	recipients, err := age.ParseRecipients(r)
	if err != nil {
		return nil, fmt.Errorf("parse age recipients: %w", err)
	}
	return recipients, nil
}

// ParseIdentities reads age identities (one secret key per line).
func ParseIdentities(r io.Reader) ([]age.Identity, error) {
	identities, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	return identities, nil
}

// Encode serializes rec and returns the payload with its encoding descriptor.
func (c *Codec) Encode(rec cascade.Record) ([]byte, string, error) {
	fields := make([]field, len(rec))
	for i, f := range rec {
		kind, raw, err := encodeValue(f.Value)
		if err != nil {
			return nil, "", fmt.Errorf("column %s: %w", f.Column, err)
		}
		fields[i] = field{C: f.Column, T: kind, V: raw}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, "", fmt.Errorf("marshal record: %w", err)
	}

	layers := []string{LayerJSON}
	if c.threshold > 0 && len(payload) > c.threshold {
		payload = c.encoder.EncodeAll(payload, nil)
		layers = append(layers, LayerZstd)
	}
	if len(c.recipients) > 0 {
		var buf bytes.Buffer
		w, err := age.Encrypt(&buf, c.recipients...)
		if err != nil {
			return nil, "", fmt.Errorf("create encrypted writer: %w", err)
		}
		if _, err := w.Write(payload); err != nil {
			return nil, "", fmt.Errorf("encrypt payload: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("finalize encryption: %w", err)
		}
		payload = buf.Bytes()
		layers = append(layers, LayerAge)
	}
	return payload, strings.Join(layers, "+"), nil
}

// Decode reverses Encode.
func (c *Codec) Decode(payload []byte, encoding string) (cascade.Record, error) {
	layers := strings.Split(encoding, "+")
	if len(layers) == 0 || layers[0] != LayerJSON {
		return nil, fmt.Errorf("unsupported payload encoding %q", encoding)
	}
	for i := len(layers) - 1; i > 0; i-- {
		switch layers[i] {
		case LayerAge:
			if len(c.identities) == 0 {
				return nil, fmt.Errorf("payload is encrypted but no age identity is configured")
			}
			r, err := age.Decrypt(bytes.NewReader(payload), c.identities...)
			if err != nil {
				return nil, fmt.Errorf("decrypt payload: %w", err)
			}
			if payload, err = io.ReadAll(r); err != nil {
				return nil, fmt.Errorf("read decrypted payload: %w", err)
			}
		case LayerZstd:
			var err error
			if payload, err = c.decoder.DecodeAll(payload, nil); err != nil {
				return nil, fmt.Errorf("decompress payload: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported payload layer %q", layers[i])
		}
	}

	var fields []field
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	rec := make(cascade.Record, len(fields))
	for i, f := range fields {
		v, err := decodeValue(f.T, f.V)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.C, err)
		}
		rec[i] = cascade.Field{Column: f.C, Value: v}
	}
	return rec, nil
}

func encodeValue(v any) (string, json.RawMessage, error) {
	quote := func(s string) json.RawMessage {
		b, _ := json.Marshal(s)
		return b
	}
	switch x := v.(type) {
	case nil:
		return kindNull, nil, nil
	case bool:
		return kindBool, json.RawMessage(strconv.FormatBool(x)), nil
	case int64:
		return kindInt, json.RawMessage(strconv.FormatInt(x, 10)), nil
	case float64:
		// Quoted so NaN and infinities survive.
		return kindFloat, quote(strconv.FormatFloat(x, 'g', -1, 64)), nil
	case decimal.Decimal:
		return kindDecimal, quote(x.String()), nil
	case string:
		return kindString, quote(x), nil
	case []byte:
		b, err := json.Marshal(x)
		return kindBytes, b, err
	case time.Time:
		return kindTime, quote(x.Format(time.RFC3339Nano)), nil
	case uuid.UUID:
		return kindUUID, quote(x.String()), nil
	case json.RawMessage:
		if !json.Valid(x) {
			return "", nil, fmt.Errorf("invalid json value")
		}
		return kindJSON, x, nil
	default:
		n, err := cascade.Normalize(v)
		if err != nil {
			return "", nil, err
		}
		return encodeValue(n)
	}
}

func decodeValue(kind string, raw json.RawMessage) (any, error) {
	if kind == kindNull {
		return nil, nil
	}
	if kind == kindJSON {
		return append(json.RawMessage(nil), raw...), nil
	}
	if kind == kindBool {
		var b bool
		err := json.Unmarshal(raw, &b)
		return b, err
	}
	if kind == kindInt {
		return strconv.ParseInt(string(raw), 10, 64)
	}
	if kind == kindBytes {
		var b []byte
		err := json.Unmarshal(raw, &b)
		return b, err
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("kind %s: %w", kind, err)
	}
	switch kind {
	case kindString:
		return s, nil
	case kindFloat:
		return strconv.ParseFloat(s, 64)
	case kindDecimal:
		return decimal.NewFromString(s)
	case kindTime:
		return time.Parse(time.RFC3339Nano, s)
	case kindUUID:
		return uuid.Parse(s)
	default:
		return nil, fmt.Errorf("unknown value kind %q", kind)
	}
}
