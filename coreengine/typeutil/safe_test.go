package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// MAP TESTS
// =============================================================================

func TestSafeMapStringAny(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		wantMap  map[string]any
		wantBool bool
	}{
		{
			name:     "decoded section",
			input:    map[string]any{"threshold": 0.85},
			wantMap:  map[string]any{"threshold": 0.85},
			wantBool: true,
		},
		{
			name:     "nil value",
			input:    nil,
			wantMap:  nil,
			wantBool: false,
		},
		{
			name:     "scalar value",
			input:    "not a map",
			wantMap:  nil,
			wantBool: false,
		},
		{
			name:     "empty map",
			input:    map[string]any{},
			wantMap:  map[string]any{},
			wantBool: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeMapStringAny(tt.input)
			assert.Equal(t, tt.wantBool, ok)
			assert.Equal(t, tt.wantMap, got)
		})
	}
}

// =============================================================================
// STRING TESTS
// =============================================================================

func TestSafeString(t *testing.T) {
	tests := []struct {
		name       string
		input      any
		wantString string
		wantBool   bool
	}{
		{name: "string argument", input: "researcher", wantString: "researcher", wantBool: true},
		{name: "empty string", input: "", wantString: "", wantBool: true},
		{name: "nil value", input: nil, wantString: "", wantBool: false},
		{name: "number", input: 42, wantString: "", wantBool: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeString(tt.input)
			assert.Equal(t, tt.wantBool, ok)
			assert.Equal(t, tt.wantString, got)
		})
	}
}

func TestSafeStringDefault(t *testing.T) {
	assert.Equal(t, "hello", SafeStringDefault("hello", "fallback"))
	assert.Equal(t, "fallback", SafeStringDefault(nil, "fallback"))
	assert.Equal(t, "fallback", SafeStringDefault(42, "fallback"))
}

// =============================================================================
// NUMERIC TESTS
// =============================================================================

func TestSafeInt(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		wantInt  int
		wantBool bool
	}{
		{name: "int", input: 42, wantInt: 42, wantBool: true},
		{name: "int64 from toml", input: int64(100), wantInt: 100, wantBool: true},
		{name: "int32", input: int32(50), wantInt: 50, wantBool: true},
		{name: "float64 from json", input: float64(123), wantInt: 123, wantBool: true},
		{name: "nil", input: nil, wantInt: 0, wantBool: false},
		{name: "numeric string", input: "42", wantInt: 0, wantBool: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeInt(tt.input)
			assert.Equal(t, tt.wantBool, ok)
			assert.Equal(t, tt.wantInt, got)
		})
	}
}

func TestSafeIntDefault(t *testing.T) {
	assert.Equal(t, 42, SafeIntDefault(42, 0))
	assert.Equal(t, 99, SafeIntDefault(nil, 99))
	assert.Equal(t, 99, SafeIntDefault("not int", 99))
}

func TestSafeFloat64(t *testing.T) {
	tests := []struct {
		name      string
		input     any
		wantFloat float64
		wantBool  bool
	}{
		{name: "float64", input: 0.85, wantFloat: 0.85, wantBool: true},
		{name: "int widens", input: 42, wantFloat: 42.0, wantBool: true},
		{name: "int64 widens", input: int64(7), wantFloat: 7.0, wantBool: true},
		{name: "nil", input: nil, wantFloat: 0, wantBool: false},
		{name: "string", input: "0.85", wantFloat: 0, wantBool: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeFloat64(tt.input)
			assert.Equal(t, tt.wantBool, ok)
			assert.Equal(t, tt.wantFloat, got)
		})
	}
}

// =============================================================================
// SLICE TESTS
// =============================================================================

func TestSafeSlice(t *testing.T) {
	got, ok := SafeSlice([]any{1, "two", 3.0})
	assert.True(t, ok)
	assert.Len(t, got, 3)

	_, ok = SafeSlice(nil)
	assert.False(t, ok)

	_, ok = SafeSlice("not a slice")
	assert.False(t, ok)
}

func TestSafeStringSlice(t *testing.T) {
	tests := []struct {
		name      string
		input     any
		wantSlice []string
		wantBool  bool
	}{
		{
			name:      "typed slice",
			input:     []string{"text", "image"},
			wantSlice: []string{"text", "image"},
			wantBool:  true,
		},
		{
			name:      "any slice of strings",
			input:     []any{"text", "image"},
			wantSlice: []string{"text", "image"},
			wantBool:  true,
		},
		{
			name:      "mixed elements fail whole read",
			input:     []any{"text", 1},
			wantSlice: nil,
			wantBool:  false,
		},
		{
			name:      "nil",
			input:     nil,
			wantSlice: nil,
			wantBool:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeStringSlice(tt.input)
			assert.Equal(t, tt.wantBool, ok)
			assert.Equal(t, tt.wantSlice, got)
		})
	}
}

func TestSafeStringSliceDefault(t *testing.T) {
	assert.Equal(t, []string{"a"}, SafeStringSliceDefault([]any{"a"}, nil))
	assert.Nil(t, SafeStringSliceDefault(42, nil))
	assert.Equal(t, []string{"d"}, SafeStringSliceDefault(nil, []string{"d"}))
}
