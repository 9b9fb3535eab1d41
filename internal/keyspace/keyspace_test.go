package keyspace

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDistanceProperties checks identity, symmetry and the triangle
// inequality over many random IDs.
func TestDistanceProperties(t *testing.T) {
	for i := 0; i < 500; i++ {
		a, b, c := New(), New(), New()

		assert.Equal(t, Distance{}, Dist(a, a), "dist(a,a) must be zero")
		assert.Equal(t, Dist(a, b), Dist(b, a), "dist must be symmetric")

		sum, capped := Dist(a, c).AddSaturating(Dist(c, b))
		if capped {
			continue
		}
		assert.LessOrEqual(t, Dist(a, b).Cmp(sum), 0,
			"triangle inequality violated for %s %s %s", a, b, c)
	}
}

func TestDistanceOrdering(t *testing.T) {
	zero := FromUint64(0)

	tests := []struct {
		name string
		a, b ID
		want int
	}{
		{name: "equal", a: FromUint64(5), b: FromUint64(5), want: 0},
		{name: "closer", a: FromUint64(1), b: FromUint64(2), want: -1},
		{name: "farther", a: FromUint64(8), b: FromUint64(7), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Dist(zero, tt.a).Cmp(Dist(zero, tt.b)))
			assert.Equal(t, tt.want < 0, Dist(zero, tt.a).Less(Dist(zero, tt.b)))
		})
	}
}

func TestAddSaturating(t *testing.T) {
	t.Run("carries across halves", func(t *testing.T) {
		var a, b Distance
		for i := 8; i < IDLength; i++ {
			a[i] = 0xff
		}
		b[IDLength-1] = 1

		sum, capped := a.AddSaturating(b)
		require.False(t, capped)

		var want Distance
		want[7] = 1
		assert.Equal(t, want, sum)
	})

	t.Run("caps on overflow", func(t *testing.T) {
		var a, b Distance
		a[0] = 0x80
		b[0] = 0x80

		sum, capped := a.AddSaturating(b)
		require.True(t, capped)
		for _, v := range sum {
			assert.Equal(t, byte(0xff), v)
		}
	})
}

func TestFromUint64(t *testing.T) {
	id := FromUint64(1)
	assert.Equal(t, "00000000000000000000000000000001", id.String())
	assert.Equal(t, "00000000", id.Short())
}

func TestCookiesAreUnique(t *testing.T) {
	seen := make(map[Cookie]struct{})
	for i := 0; i < 10000; i++ {
		c := NewCookie()
		_, dup := seen[c]
		require.False(t, dup, "duplicate cookie %s", c)
		seen[c] = struct{}{}
	}
}

func TestCookieIsRandomUUID(t *testing.T) {
	c := NewCookie()
	u, err := uuid.Parse(c.String())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), u.Version())
	assert.Equal(t, uuid.RFC4122, u.Variant())
	assert.Equal(t, Cookie(u), c)
}
