package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMap(t *testing.T) {
	t.Run("returns parsed map for valid JSON", func(t *testing.T) {
		out := ParseMap([]byte(`{"a":1,"b":"x"}`), nil)
		assert.Equal(t, float64(1), out["a"])
		assert.Equal(t, "x", out["b"])
	})

	t.Run("returns fallback for malformed JSON", func(t *testing.T) {
		fallback := map[string]interface{}{"kept": true}
		out := ParseMap([]byte(`{"a":`), fallback)
		assert.Equal(t, fallback, out)
	})

	t.Run("returns fallback for empty input", func(t *testing.T) {
		out := ParseMap(nil, map[string]interface{}{})
		assert.NotNil(t, out)
		assert.Empty(t, out)
	})

	t.Run("returns fallback for JSON null", func(t *testing.T) {
		fallback := map[string]interface{}{"kept": true}
		out := ParseMap([]byte(`null`), fallback)
		assert.Equal(t, fallback, out)
	})
}

func TestParseStrings(t *testing.T) {
	t.Run("parses string arrays", func(t *testing.T) {
		out := ParseStrings([]byte(`["a","b"]`), nil)
		assert.Equal(t, []string{"a", "b"}, out)
	})

	t.Run("returns fallback for non-array", func(t *testing.T) {
		out := ParseStrings([]byte(`"nope"`), []string{"fb"})
		assert.Equal(t, []string{"fb"}, out)
	})
}

func TestParseInto(t *testing.T) {
	type shape struct {
		Name string `json:"name"`
	}

	t.Run("decodes into struct", func(t *testing.T) {
		var s shape
		ok := ParseInto([]byte(`{"name":"x"}`), &s)
		assert.True(t, ok)
		assert.Equal(t, "x", s.Name)
	})

	t.Run("reports failure without panicking", func(t *testing.T) {
		var s shape
		assert.False(t, ParseInto([]byte(`{`), &s))
		assert.False(t, ParseInto(nil, &s))
	})
}

func TestMarshalOrEmpty(t *testing.T) {
	assert.Equal(t, []byte("{}"), MarshalOrEmpty(nil))
	assert.Equal(t, []byte(`{"a":1}`), MarshalOrEmpty(map[string]int{"a": 1}))
	// Channels cannot be marshalled; the helper must still return valid JSON.
	assert.Equal(t, []byte("{}"), MarshalOrEmpty(make(chan int)))
}

func TestMarshalOrList(t *testing.T) {
	assert.Equal(t, []byte("[]"), MarshalOrList(nil))
	assert.Equal(t, []byte(`["a"]`), MarshalOrList([]string{"a"}))
	// A nil slice marshals to JSON null, which array columns must not hold.
	var none []string
	assert.Equal(t, []byte("[]"), MarshalOrList(none))
}
