package reducer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldstate/internal/store"
)

type fakeSink struct {
	deltas    []Delta
	deletions []Deletion
}

func (f *fakeSink) PublishDeltas(deltas []Delta) { f.deltas = append(f.deltas, deltas...) }
func (f *fakeSink) PublishDeletion(d Deletion)    { f.deletions = append(f.deletions, d) }

func TestApplyEmitsOneDeltaPerChangedProperty(t *testing.T) {
	s := store.New()
	sink := &fakeSink{}
	r := New(s, sink, nil)

	r.Apply(1, []byte(`{"payload":{"entity_id":"ns/e1","properties":{"x":1,"y":"hi"}}}`))

	require.Len(t, sink.deltas, 2)
	assert.Equal(t, uint64(1), r.Watermark())
}

func TestApplyEmitsNoDeltaWhenValueUnchanged(t *testing.T) {
	s := store.New()
	sink := &fakeSink{}
	r := New(s, sink, nil)

	r.Apply(1, []byte(`{"payload":{"entity_id":"ns/e1","properties":{"x":1}}}`))
	r.Apply(2, []byte(`{"payload":{"entity_id":"ns/e1","properties":{"x":1}}}`))

	require.Len(t, sink.deltas, 1)
	assert.Equal(t, uint64(2), r.Watermark())
}

func TestApplyLastWriterWinsByLogOrder(t *testing.T) {
	s := store.New()
	sink := &fakeSink{}
	r := New(s, sink, nil)

	r.Apply(1, []byte(`{"payload":{"entity_id":"ns/e1","properties":{"x":1}}}`))
	r.Apply(2, []byte(`{"payload":{"entity_id":"ns/e1","properties":{"x":2}}}`))

	e, ok := s.Get("ns/e1")
	require.True(t, ok)
	assert.Equal(t, `2`, string(e.Properties["x"]))
}

func TestApplyTombstoneThenWriteRecreatesEntity(t *testing.T) {
	s := store.New()
	sink := &fakeSink{}
	r := New(s, sink, nil)

	r.Apply(1, []byte(`{"payload":{"entity_id":"ns/e1","properties":{"x":1}}}`))
	r.Apply(2, []byte(`{"payload":{"entity_id":"ns/e1","delete":true}}`))
	require.Len(t, sink.deletions, 1)

	_, ok := s.Get("ns/e1")
	assert.False(t, ok)

	r.Apply(3, []byte(`{"payload":{"entity_id":"ns/e1","properties":{"x":9}}}`))
	e, ok := s.Get("ns/e1")
	require.True(t, ok)
	assert.Equal(t, `9`, string(e.Properties["x"]))
	assert.Equal(t, uint64(3), r.Watermark())
}

func TestApplyDeleteOfMissingEntityEmitsNoDeletion(t *testing.T) {
	s := store.New()
	sink := &fakeSink{}
	r := New(s, sink, nil)

	r.Apply(1, []byte(`{"payload":{"entity_id":"ns/ghost","delete":true}}`))
	assert.Empty(t, sink.deletions)
	assert.Equal(t, uint64(1), r.Watermark())
}

func TestApplyMalformedPayloadAdvancesWatermarkWithoutPanicking(t *testing.T) {
	s := store.New()
	sink := &fakeSink{}
	r := New(s, sink, nil)

	r.Apply(1, []byte(`not json`))
	r.Apply(2, []byte(`{"payload":{}}`))

	assert.Equal(t, uint64(2), r.Watermark())
	assert.Empty(t, sink.deltas)
}

func TestSetWatermarkSeedsBeforeReplay(t *testing.T) {
	s := store.New()
	sink := &fakeSink{}
	r := New(s, sink, nil)

	r.SetWatermark(41)
	r.Apply(42, []byte(`{"payload":{"entity_id":"ns/e1","properties":{"x":1}}}`))

	assert.Equal(t, uint64(42), r.Watermark())
}
