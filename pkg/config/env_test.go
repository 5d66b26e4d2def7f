package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, GetEnvInt("TEST_INT", 7))

	t.Setenv("TEST_INT", " 8 ")
	assert.Equal(t, 8, GetEnvInt("TEST_INT", 7))

	t.Setenv("TEST_INT", "forty")
	assert.Equal(t, 7, GetEnvInt("TEST_INT", 7))

	t.Setenv("TEST_INT", "")
	assert.Equal(t, 7, GetEnvInt("TEST_INT", 7))
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.75")
	assert.InDelta(t, 0.75, GetEnvFloat("TEST_FLOAT", 0.5), 1e-9)

	t.Setenv("TEST_FLOAT", "most")
	assert.InDelta(t, 0.5, GetEnvFloat("TEST_FLOAT", 0.5), 1e-9)
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{value: "true", def: false, want: true},
		{value: "1", def: false, want: true},
		{value: "FALSE", def: true, want: false},
		{value: "yes", def: true, want: true},
		{value: "yes", def: false, want: false},
		{value: "", def: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.value)
			assert.Equal(t, tt.want, GetEnvBool("TEST_BOOL", tt.def))
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "250ms")
	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("TEST_DURATION", time.Second))

	t.Setenv("TEST_DURATION", "soon")
	assert.Equal(t, time.Second, GetEnvDuration("TEST_DURATION", time.Second))
}

func TestGetEnvStringList(t *testing.T) {
	t.Setenv("TEST_LIST", "admin, emergency_responder ,, ")
	assert.Equal(t, []string{"admin", "emergency_responder"}, GetEnvStringList("TEST_LIST", nil))

	t.Setenv("TEST_LIST", " , ")
	assert.Equal(t, []string{"x"}, GetEnvStringList("TEST_LIST", []string{"x"}))
}
