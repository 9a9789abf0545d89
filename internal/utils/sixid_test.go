package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestSixID_StringRoundTrip(t *testing.T) {
	id := SixID{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}
	s := id.String()
	assert.Len(t, s, 10)

	parsed, err := ParseSixID(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseSixID_Lenient(t *testing.T) {
	id := SixID{0, 0, 0, 0, 0, 0}
	assert.Equal(t, "0000000000", id.String())

	parsed, err := ParseSixID("ooooo-OOOOO")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	parsed, err = ParseSixID(" 00000 00000 ")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseSixID_Invalid(t *testing.T) {
	for _, in := range []string{"", "123", "UUUUUUUUUU", "00000000000", "not-a-visit"} {
		_, err := ParseSixID(in)
		assert.ErrorIs(t, err, ErrInvalidSixID, in)
	}
}

func TestSixID_BSON(t *testing.T) {
	type doc struct {
		ID    SixID  `bson:"_id"`
		Maybe *SixID `bson:"maybe"`
	}
	in := doc{ID: NewSixID()}

	raw, err := bson.Marshal(in)
	require.NoError(t, err)

	val := bson.Raw(raw).Lookup("_id")
	subtype, data := val.Binary()
	assert.Equal(t, byte(0x80), subtype)
	assert.Equal(t, in.ID[:], data)

	var out doc
	require.NoError(t, bson.Unmarshal(raw, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Nil(t, out.Maybe)
}

func TestSixID_JSON(t *testing.T) {
	id := NewSixID()
	b, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"`+id.String()+`"`, string(b))

	var back SixID
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, id, back)
}
