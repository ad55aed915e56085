package semver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromNodeVersion(t *testing.T) {
	tests := []struct {
		in   int32
		want string
	}{
		{250100, "25.1.0"},
		{220000, "22.0.0"},
		{210100, "0.21.1"},
		{170100, "0.17.1"},
		{-1, "0.0.0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromNodeVersion(tt.in).String())
	}
}

func TestAtLeast(t *testing.T) {
	min := NewSemver(0, 17, 0)
	assert.True(t, FromNodeVersion(250000).AtLeast(min))
	assert.True(t, NewSemver(0, 17, 0).AtLeast(min))
	assert.False(t, FromNodeVersion(160300).AtLeast(min))
}
