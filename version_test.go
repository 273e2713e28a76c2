package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionsCompatible(t *testing.T) {
	tests := []struct {
		server, client string
		want           bool
	}{
		{"1.2.0", "1.2.0", true},
		{"1.2", "1.2.0", false},
		{"v1.2.0", "1.2.0", false},
		{"1.2.0", "1.2.0+build7", false},
		{"1.2.0", "1.3.0", false},
		{"1.2.0-beta.1", "1.2.0", false},
		{"DEVELOPMENT", "0.0.1", true},
		{"development", "0.0.1", false},
		{"nightly", "nightly", true},
		{"nightly", "1.2.0", false},
	}
	for _, tt := range tests {
		if got := versionsCompatible(tt.server, tt.client); got != tt.want {
			t.Errorf("versionsCompatible(%q, %q) = %v, want %v", tt.server, tt.client, got, tt.want)
		}
	}
}

func TestCheckServerVersion(t *testing.T) {
	assert.NoError(t, checkServerVersion("1.2.0"))
	assert.NoError(t, checkServerVersion("1.2.0-rc.1"))
	assert.NoError(t, checkServerVersion(DevVersion))
	assert.Error(t, checkServerVersion("1.2"))
	assert.Error(t, checkServerVersion("v1.2.0"))
	assert.Error(t, checkServerVersion("1.2.0+build7"))
	assert.Error(t, checkServerVersion(""))
}
