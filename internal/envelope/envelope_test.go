package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/kadsim/internal/keyspace"
)

func TestKindClassification(t *testing.T) {
	tests := []struct {
		kind    Kind
		request bool
		reply   bool
	}{
		{KindPing, true, false},
		{KindStore, true, false},
		{KindFindNode, true, false},
		{KindFindValue, true, false},
		{KindPong, false, true},
		{KindStoreAck, false, true},
		{KindNodes, false, true},
		{KindValue, false, true},
		{Kind(0), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.request, tt.kind.IsRequest())
			assert.Equal(t, tt.reply, tt.kind.IsReply())
		})
	}
}

func TestReplySwapsAddresses(t *testing.T) {
	a, b := keyspace.New(), keyspace.New()
	token := keyspace.NewCookie()
	req := New(a, b, token, FindNode[string](keyspace.FromUint64(7)))

	rep := req.Reply(Nodes[string]([]keyspace.ID{a}))

	assert.Equal(t, b, rep.Source())
	assert.Equal(t, a, rep.Destination())
	assert.Equal(t, token, rep.Token())
	assert.Equal(t, KindNodes, rep.Kind())
	assert.Equal(t, []keyspace.ID{a}, rep.Payload().Nodes())
}

func TestPayloadsDoNotAlias(t *testing.T) {
	ids := []keyspace.ID{keyspace.FromUint64(1), keyspace.FromUint64(2)}
	p := Nodes[int](ids)

	ids[0] = keyspace.FromUint64(99)
	assert.Equal(t, keyspace.FromUint64(1), p.Nodes()[0], "constructor must copy")

	out := p.Nodes()
	out[1] = keyspace.FromUint64(99)
	assert.Equal(t, keyspace.FromUint64(2), p.Nodes()[1], "getter must copy")
}

func TestPayloadAccessors(t *testing.T) {
	key := keyspace.FromUint64(3)

	v := Value(key, 42)
	assert.Equal(t, key, v.Key())
	assert.Equal(t, 42, v.Value())

	f := FindNode[int](key)
	assert.Equal(t, key, f.Target())
	assert.Empty(t, f.Nodes())

	assert.Equal(t, "PING", Ping[int]().Kind().String())
	assert.Equal(t, "KIND(200)", Kind(200).String())
}
