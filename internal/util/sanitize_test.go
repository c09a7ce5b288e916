package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMachineID(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"VM001", "VM001", true},
		{"  VM001  ", "VM001", true},
		{"vm-001_a", "vm-001_a", true},
		{"", "", false},
		{"   ", "", false},
		{"vm 001", "", false},
		{"vm/../etc", "", false},
		{"<script>", "", false},
		{strings.Repeat("a", 51), "", false},
	}
	for _, tc := range cases {
		got, ok := SanitizeMachineID(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestSanitizeMetadata(t *testing.T) {
	assert.Equal(t, "Mozilla/5.0", SanitizeMetadata("  Mozilla/5.0  "))
	assert.Equal(t, "&lt;img onerror=x&gt;", SanitizeMetadata("<img onerror=x>"))
	assert.Len(t, SanitizeMetadata(strings.Repeat("x", 600)), 512)
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<script>alert(1)</script>"))
	assert.True(t, ContainsSuspicious("${jndi:ldap://x}"))
	assert.False(t, ContainsSuspicious("VM001"))
	assert.False(t, ContainsSuspicious("Mozilla/5.0 (X11; Linux)"))
}
