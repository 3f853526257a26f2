package identify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/shardflow/stream"
)

func TestDeriveDigests(t *testing.T) {
	msg := stream.Message{"k": "a", "seq": 1}
	rec := &stream.Record{EventID: "e1", Data: []byte(`{"k":"a","seq":1}`)}
	ur := &stream.UserRecord{EventSubSeqNo: "0", Data: []byte(`{"k":"a"}`)}

	d, err := DeriveDigests(msg, rec, ur)
	require.NoError(t, err)
	assert.NotEmpty(t, d.Msg)
	assert.NotEmpty(t, d.Rec)
	assert.NotEmpty(t, d.UserRec)
	// The user record's payload wins over the record's for the data digest.
	dataOnly, err := DeriveDigests(nil, nil, ur)
	require.NoError(t, err)
	assert.Equal(t, dataOnly.Data, d.Data)

	// Equal content digests equally regardless of pointer identity.
	d2, err := DeriveDigests(stream.Message{"seq": 1, "k": "a"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, d.Msg, d2.Msg)

	// Absent sources leave their digests empty.
	empty, err := DeriveDigests(nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Digests{}, empty)
}

func TestDeriveDigestsFallsBackToRecordData(t *testing.T) {
	rec := &stream.Record{Data: []byte("payload")}
	d, err := DeriveDigests(nil, rec, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, d.Rec)
	assert.NotEmpty(t, d.Data)
}

func TestResolveCoordinates(t *testing.T) {
	rec := &stream.Record{EventID: "shardId-0:1", EventSeqNo: "1"}
	ur := &stream.UserRecord{EventSubSeqNo: "3"}

	c := ResolveCoordinates(rec, ur)
	assert.Equal(t, Coordinates{EventID: "shardId-0:1", EventSeqNo: "1", EventSubSeqNo: "3"}, c)

	assert.Equal(t, Coordinates{}, ResolveCoordinates(nil, nil))
}

func TestResolveWithConfiguredNames(t *testing.T) {
	r := &Resolver{IDNames: []string{"id"}, KeyNames: []string{"k"}, SeqNoNames: []string{"seq", "sub"}}
	msg := stream.Message{"id": "m-1", "k": "a", "seq": 7, "sub": 2}

	id, err := r.Resolve(msg, Coordinates{})
	require.NoError(t, err)
	assert.Equal(t, "id:m-1", id.ID)
	assert.Equal(t, "k:a", id.Key)
	assert.Equal(t, "seq:7|sub:2", id.SeqNo)
}

func TestResolveDefaults(t *testing.T) {
	// No configured names: seqNos come from the event coordinates, keys stay
	// empty and ids default to keys+seqNos.
	r := &Resolver{}
	coords := Coordinates{EventSeqNo: "100", EventSubSeqNo: "2"}

	id, err := r.Resolve(stream.Message{"x": 1}, coords)
	require.NoError(t, err)
	assert.Equal(t, "", id.Key)
	assert.Equal(t, "eventSeqNo:100|eventSubSeqNo:2", id.SeqNo)
	assert.Equal(t, id.SeqNo, id.ID)

	// Keys configured, ids not: ids prepend the keys.
	r = &Resolver{KeyNames: []string{"k"}}
	id, err = r.Resolve(stream.Message{"k": "a"}, Coordinates{EventSeqNo: "100"})
	require.NoError(t, err)
	assert.Equal(t, "k:a|eventSeqNo:100", id.ID)
}

func TestResolveMissingPropertyFails(t *testing.T) {
	r := &Resolver{KeyNames: []string{"k"}}
	_, err := r.Resolve(stream.Message{"other": 1}, Coordinates{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"k"`)
}

func TestJoinPairs(t *testing.T) {
	assert.Equal(t, "", JoinPairs(nil))
	assert.Equal(t, "a:1|b:x", JoinPairs([]Pair{{Name: "a", Value: 1}, {Name: "b", Value: "x"}}))
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"s", "s"},
		{true, "true"},
		{42, "42"},
		{int64(42), "42"},
		{1.5, "1.5"},
		{2.0, "2"},
		{map[string]any{"a": 1}, `{"a":1}`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Stringify(tc.in))
	}
}
