package cache

import (
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := New(0)
	c.Set("ns:hash", []byte("payload"), map[string]string{"content-type": "text/plain"}, SetOptions{})
	e, ok := c.Get("ns:hash")
	require.True(t, ok)
	raw, err := snappy.Decode(nil, e.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(raw))
	assert.Equal(t, "text/plain", e.Meta["content-type"])
}

func TestCache_GetDoesNotReorder(t *testing.T) {
	c := New(2)
	c.Set("a", []byte("1"), nil, SetOptions{})
	c.Set("b", []byte("2"), nil, SetOptions{})
	_, _ = c.Get("a") // touching "a" must not protect it from FIFO eviction
	c.Set("c", []byte("3"), nil, SetOptions{})

	_, aStillThere := c.Get("a")
	_, bStillThere := c.Get("b")
	assert.False(t, aStillThere, "oldest entry should have been evicted regardless of the intervening Get")
	assert.True(t, bStillThere)
	assert.Equal(t, 2, c.Len())
}

func TestCache_EvictsOldestOverCapacity(t *testing.T) {
	c := New(1)
	c.Set("first", []byte("1"), nil, SetOptions{})
	c.Set("second", []byte("2"), nil, SetOptions{})
	_, ok := c.Get("first")
	assert.False(t, ok)
	_, ok = c.Get("second")
	assert.True(t, ok)
}

func TestCache_ForceSetMovesToBack(t *testing.T) {
	c := New(2)
	c.Set("a", []byte("1"), nil, SetOptions{})
	c.Set("b", []byte("2"), nil, SetOptions{})
	c.Set("a", []byte("1-updated"), nil, SetOptions{Force: true})
	// "a" is now newest; inserting "c" should evict "b", not "a".
	c.Set("c", []byte("3"), nil, SetOptions{})

	_, aThere := c.Get("a")
	_, bThere := c.Get("b")
	assert.True(t, aThere)
	assert.False(t, bThere)
}

func TestCache_Delete(t *testing.T) {
	c := New(0)
	c.Set("a", []byte("1"), nil, SetOptions{})
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_Clear(t *testing.T) {
	c := New(0)
	c.Set("a", []byte("1"), nil, SetOptions{})
	c.Set("b", []byte("2"), nil, SetOptions{})
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCache_ListenerInvokedWithParsedTuple(t *testing.T) {
	c := New(0)
	var got Parsed
	c.AddListener(func(p Parsed) { got = p })
	c.Set("markdown:abc123", []byte("x"), nil, SetOptions{})
	assert.Equal(t, "markdown", got.Namespace)
	assert.Equal(t, "abc123", got.URLHash)
}

func TestFingerprint_Parse(t *testing.T) {
	p := Fingerprint("markdown:deadbeef:v2").Parse()
	assert.Equal(t, "markdown", p.Namespace)
	assert.Equal(t, "deadbeef", p.URLHash)
	assert.Equal(t, "markdown:deadbeef:v2", p.Fingerprint)
}
