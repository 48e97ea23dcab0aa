package codec

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tombstone/internal/domain/cascade"
)

func sampleRecord() cascade.Record {
	return cascade.Record{
		{Column: "id", Value: int64(7)},
		{Column: "name", Value: "Ada Lovelace"},
		{Column: "salary", Value: decimal.RequireFromString("12345.6789")},
		{Column: "ratio", Value: 0.25},
		{Column: "active", Value: true},
		{Column: "manager_id", Value: nil},
		{Column: "external_id", Value: uuid.MustParse("0190d4a0-7c2e-7b4c-9b8f-3a2d1e0f9c8b")},
		{Column: "hired_at", Value: time.Date(2021, 3, 4, 5, 6, 7, 123456000, time.UTC)},
		{Column: "avatar", Value: []byte{0x00, 0xff, 0x10}},
		{Column: "settings", Value: json.RawMessage(`{"theme":"dark"}`)},
	}
}

func TestCodec_RoundTripPlainJSON(t *testing.T) {
	c := MustNew(Config{})

	payload, encoding, err := c.Encode(sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, "json", encoding)

	got, err := c.Decode(payload, encoding)
	require.NoError(t, err)
	assert.Equal(t, sampleRecord().Columns(), got.Columns())

	want := sampleRecord()
	for i := range want {
		switch w := want[i].Value.(type) {
		case decimal.Decimal:
			assert.True(t, w.Equal(got[i].Value.(decimal.Decimal)), want[i].Column)
		case time.Time:
			assert.True(t, w.Equal(got[i].Value.(time.Time)), want[i].Column)
		default:
			assert.Equal(t, want[i].Value, got[i].Value, want[i].Column)
		}
	}
}

func TestCodec_NormalizesDriverTypes(t *testing.T) {
	c := MustNew(Config{})

	payload, encoding, err := c.Encode(cascade.Record{{Column: "n", Value: int32(3)}})
	require.NoError(t, err)

	got, err := c.Decode(payload, encoding)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got[0].Value)
}

func TestCodec_FloatSpecialValues(t *testing.T) {
	c := MustNew(Config{})

	payload, encoding, err := c.Encode(cascade.Record{{Column: "x", Value: math.Inf(1)}})
	require.NoError(t, err)

	got, err := c.Decode(payload, encoding)
	require.NoError(t, err)
	assert.True(t, math.IsInf(got[0].Value.(float64), 1))
}

func TestCodec_CompressesAboveThreshold(t *testing.T) {
	c := MustNew(Config{CompressThreshold: 64})
	rec := cascade.Record{{Column: "notes", Value: strings.Repeat("leave request ", 100)}}

	payload, encoding, err := c.Encode(rec)
	require.NoError(t, err)
	assert.Equal(t, "json+zstd", encoding)

	got, err := c.Decode(payload, encoding)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestCodec_CompressionDisabled(t *testing.T) {
	c := MustNew(Config{CompressThreshold: -1})
	rec := cascade.Record{{Column: "notes", Value: strings.Repeat("x", 10000)}}

	_, encoding, err := c.Encode(rec)
	require.NoError(t, err)
	assert.Equal(t, "json", encoding)
}

func TestCodec_Encryption(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	c := MustNew(Config{
		CompressThreshold: 16,
		Recipients:        []age.Recipient{identity.Recipient()},
		Identities:        []age.Identity{identity},
	})

	payload, encoding, err := c.Encode(sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, "json+zstd+age", encoding)
	assert.NotContains(t, string(payload), "Ada Lovelace")

	got, err := c.Decode(payload, encoding)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got[1].Value)

	// A reader without the identity cannot open the snapshot.
	_, err = MustNew(Config{}).Decode(payload, encoding)
	assert.Error(t, err)
}

func TestCodec_ParseKeys(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	recipients, err := ParseRecipients(strings.NewReader(identity.Recipient().String() + "\n"))
	require.NoError(t, err)
	assert.Len(t, recipients, 1)

	identities, err := ParseIdentities(strings.NewReader(identity.String() + "\n"))
	require.NoError(t, err)
	assert.Len(t, identities, 1)
}

func TestCodec_RejectsUnknownEncoding(t *testing.T) {
	c := MustNew(Config{})

	_, err := c.Decode([]byte(`[]`), "xml")
	assert.Error(t, err)

	_, err = c.Decode([]byte(`[]`), "json+lz4")
	assert.Error(t, err)
}

func TestCodec_RejectsUnsupportedValue(t *testing.T) {
	c := MustNew(Config{})

	_, _, err := c.Encode(cascade.Record{{Column: "ch", Value: make(chan int)}})
	assert.Error(t, err)
}
