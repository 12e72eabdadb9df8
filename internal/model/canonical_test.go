package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"b": int64(1), "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1}`, string(got))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical("<a&b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(got))
}

func TestMarshalCanonical_NullAndBytes(t *testing.T) {
	got, err := MarshalCanonical(Fields{"owner": nil, "content": []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, `{"content":"AQID","owner":null}`, string(got))
}

func TestMarshalCanonical_NFCNormalizes(t *testing.T) {
	decomposed, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	composed, err := MarshalCanonical("\u00e9")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonical_NestedValues(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"list":  []any{true, int64(2), "three", nil},
		"inner": map[string]any{"z": 1, "y": 2.5},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"inner":{"y":2.5,"z":1},"list":[true,2,"three",null]}`, string(got))
}

func TestMarshalCanonical_RejectsUnsupported(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"at": time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func TestSortedKeys_UTF16Order(t *testing.T) {
	// U+1F600 encodes as a surrogate pair starting at 0xD83D, which sorts
	// before U+FFFD in UTF-16 but after it in UTF-8.
	keys := SortedKeys(map[string]int{"\uFFFD": 1, "\U0001F600": 2, "a": 3})
	assert.Equal(t, []string{"a", "\U0001F600", "\uFFFD"}, keys)
}

func TestSnapshot_TracksFieldChanges(t *testing.T) {
	job := &Job{Record: Record{ID: "job-1", Rev: 1}, HandlerType: "noop", Retries: 3}

	before, err := Snapshot(job)
	require.NoError(t, err)

	job.SetRevision(2)
	same, err := Snapshot(job)
	require.NoError(t, err)
	assert.Equal(t, before, same, "revision is not part of the snapshot")

	job.LockOwner = "node-a"
	after, err := Snapshot(job)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestDefinitionFingerprint_IgnoresMapConstruction(t *testing.T) {
	a, err := DefinitionFingerprint("invoice", map[string]any{"name": "Invoice", "steps": []any{"a", "b"}})
	require.NoError(t, err)
	b, err := DefinitionFingerprint("invoice", map[string]any{"steps": []any{"a", "b"}, "name": "Invoice"})
	require.NoError(t, err)
	c, err := DefinitionFingerprint("invoice", map[string]any{"name": "Invoice v2", "steps": []any{"a", "b"}})
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestResourceFingerprint_IncludesName(t *testing.T) {
	assert.NotEqual(t,
		ResourceFingerprint("a.yaml", []byte("x")),
		ResourceFingerprint("b.yaml", []byte("x")))
}
