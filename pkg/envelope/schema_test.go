package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLooksLikeProtocol(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"host request", `{"host":{"agent":"did:rubix:x","envelope":{},"signature":"ab"}}`, true},
		{"agent response", `{"agent":{"agent":"did:rubix:x","envelope":{},"signature":"ab"}}`, true},
		{"combined", `{"agent":{"agent":"d","envelope":{},"signature":"s"},"host":{"agent":"d2","envelope":{},"signature":"s2"}}`, true},
		{"bare block", `{"agent":"did:rubix:x","envelope":{},"signature":"ab"}`, true},
		{"plain text", "please book the court", false},
		{"unrelated json object", `{"foo":1}`, false},
		{"json array", `[1,2,3]`, false},
		{"agent wrong type", `{"agent":42}`, false},
		{"empty", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LooksLikeProtocol(tc.raw))
		})
	}
}

func TestBlockFromMap(t *testing.T) {
	b := BlockFromMap(map[string]any{
		"agent":     "did:rubix:x",
		"envelope":  map[string]any{"original_message": "m"},
		"signature": "abcd",
	})
	assert.True(t, b.Complete())

	partial := BlockFromMap(map[string]any{"agent": "did:rubix:x"})
	assert.False(t, partial.Complete())

	assert.False(t, BlockFromMap(nil).Complete())
}

func TestLooksLikeBlock(t *testing.T) {
	assert.True(t, LooksLikeBlock(map[string]any{
		"agent": "d", "envelope": map[string]any{}, "signature": "s",
	}))
	assert.False(t, LooksLikeBlock(map[string]any{"agent": "d"}))
	assert.False(t, LooksLikeBlock(nil))
}
