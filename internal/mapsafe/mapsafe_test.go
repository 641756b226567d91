package mapsafe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGet_Numbers(t *testing.T) {
	params := map[string]any{
		"n_predict":   240,
		"from_json":   float64(64),
		"temperature": 0.2,
		"int_temp":    1,
	}

	assert.Equal(t, 240, Get(params, "n_predict", 0))
	assert.Equal(t, 64, Get(params, "from_json", 0))
	assert.InDelta(t, 0.2, Get(params, "temperature", 0.0), 1e-9)
	assert.InDelta(t, 1.0, Get(params, "int_temp", 0.0), 1e-9)
	assert.Equal(t, 7, Get(params, "missing", 7))
}

func TestGet_StringsAndBools(t *testing.T) {
	params := map[string]any{"system_prompt": "be brief", "stream": true, "bad": 3}

	assert.Equal(t, "be brief", Get(params, "system_prompt", ""))
	assert.True(t, Get(params, "stream", false))
	assert.Equal(t, "fallback", Get(params, "bad", "fallback"))
}

func TestGet_Durations(t *testing.T) {
	params := map[string]any{
		"a": 2 * time.Second,
		"b": "150ms",
		"c": 300,
		"d": "nonsense",
	}

	assert.Equal(t, 2*time.Second, Get(params, "a", time.Duration(0)))
	assert.Equal(t, 150*time.Millisecond, Get(params, "b", time.Duration(0)))
	assert.Equal(t, 300*time.Millisecond, Get(params, "c", time.Duration(0)))
	assert.Equal(t, time.Minute, Get(params, "d", time.Minute))
}

func TestGet_NilMap(t *testing.T) {
	assert.Equal(t, 3, Get[int](nil, "x", 3))
	assert.False(t, Has(nil, "x"))
	assert.True(t, Has(map[string]any{"x": 0}, "x"))
}
