package utils

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// SixIDHookFunc lets tests force the next generated id. The bool reports
// whether the returned id should be used.
type SixIDHookFunc func() (id SixID, override bool)

// NewSixIDHook overrides NewSixID when set. Tests only.
var NewSixIDHook SixIDHookFunc

// SixID is a 6-byte identifier. It is stored as BSON binary with the user
// defined subtype 0x80 and rendered as 10 Crockford base32 characters, short
// enough for a provider to read an invoice number over the phone.
type SixID [6]byte

const sixIDSubtype byte = 0x80

var (
	ErrInvalidSixID = errors.New("invalid six id")

	crockford = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

	// folds lowercase and the commonly misread letters onto the alphabet.
	crockfordFold = strings.NewReplacer("O", "0", "I", "1", "L", "1", "-", "", " ", "")
)

// NewSixID returns a random id.
func NewSixID() SixID {
	if NewSixIDHook != nil {
		if id, ok := NewSixIDHook(); ok {
			return id
		}
	}
	var id SixID
	_, _ = rand.Read(id[:])
	return id
}

// ParseSixID decodes the Crockford form. Hyphens and spaces are ignored and
// the match is case-insensitive.
func ParseSixID(s string) (SixID, error) {
	var id SixID
	norm := crockfordFold.Replace(strings.ToUpper(strings.TrimSpace(s)))
	if len(norm) != 10 {
		return id, fmt.Errorf("%w: %q has %d symbols, want 10", ErrInvalidSixID, s, len(norm))
	}
	raw, err := crockford.DecodeString(norm)
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("%w: %q", ErrInvalidSixID, s)
	}
	copy(id[:], raw)
	return id, nil
}

func (u SixID) String() string {
	return crockford.EncodeToString(u[:])
}

func (u SixID) IsZero() bool {
	return u == SixID{}
}

func (u SixID) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bsontype.Binary, bsoncore.AppendBinary(nil, sixIDSubtype, u[:]), nil
}

func (u *SixID) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	switch t {
	case bsontype.Null, bsontype.Undefined:
		*u = SixID{}
		return nil
	case bsontype.Binary:
		subtype, bin, _, ok := bsoncore.ReadBinary(data)
		if !ok || subtype != sixIDSubtype || len(bin) != len(u) {
			return fmt.Errorf("%w: bad binary subtype or length", ErrInvalidSixID)
		}
		copy(u[:], bin)
		return nil
	default:
		return fmt.Errorf("%w: unexpected bson type %s", ErrInvalidSixID, t)
	}
}

func (u SixID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *SixID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseSixID(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
