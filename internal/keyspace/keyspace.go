package keyspace

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/bits"

	"github.com/google/uuid"
)

// IDLength is the number of bytes in an ID (128 bits).
const IDLength = 16

// ID names a node or a data key. Nodes and keys share one address space.
type ID [IDLength]byte

// Distance is the XOR of two IDs, compared as an unsigned big-endian integer.
type Distance [IDLength]byte

// New returns a uniformly random ID.
func New() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}

// FromUint64 returns the ID whose numeric value is n.
// Small keys such as 0, 1, 2 are convenient in demos and tests.
func FromUint64(n uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[8:], n)
	return id
}

// Dist returns the XOR distance between a and b.
func Dist(a, b ID) Distance {
	var d Distance
	for i := 0; i < IDLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// String hex-encodes the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, enough to tell nodes apart in logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// Cmp compares d and o as unsigned integers and returns -1, 0 or +1.
func (d Distance) Cmp(o Distance) int {
	return bytes.Compare(d[:], o[:])
}

// Less reports whether d is strictly closer than o.
func (d Distance) Less(o Distance) bool {
	return d.Cmp(o) < 0
}

// AddSaturating returns d+o, capped at the all-ones distance instead of
// wrapping when the sum does not fit in 128 bits. The second result reports
// whether the cap was hit.
func (d Distance) AddSaturating(o Distance) (Distance, bool) {
	dHi, dLo := d.halves()
	oHi, oLo := o.halves()

	lo, carry := bits.Add64(dLo, oLo, 0)
	hi, overflow := bits.Add64(dHi, oHi, carry)
	if overflow != 0 {
		var ceiling Distance
		for i := range ceiling {
			ceiling[i] = 0xff
		}
		return ceiling, true
	}

	var sum Distance
	binary.BigEndian.PutUint64(sum[:8], hi)
	binary.BigEndian.PutUint64(sum[8:], lo)
	return sum, false
}

func (d Distance) halves() (hi, lo uint64) {
	return binary.BigEndian.Uint64(d[:8]), binary.BigEndian.Uint64(d[8:])
}

// String hex-encodes the distance.
func (d Distance) String() string {
	return hex.EncodeToString(d[:])
}

// Cookie is the correlation token that ties a reply to the request that
// created it. It is a random (version 4) UUID, so 122 of its 128 bits are
// random; the rest encode the version and variant.
type Cookie uuid.UUID

// NewCookie returns a fresh random cookie.
func NewCookie() Cookie {
	return Cookie(uuid.New())
}

// String formats the cookie in canonical UUID form.
func (c Cookie) String() string {
	return uuid.UUID(c).String()
}
