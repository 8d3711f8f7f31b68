package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDGenerator(t *testing.T) {
	gen := NewSequentialIDGenerator("follow")

	assert.Equal(t, "follow-1", gen.Generate())
	assert.Equal(t, "follow-2", gen.Generate())
	assert.Equal(t, "follow-3", gen.Generate())
}

func TestSequentialIDGenerator_DefaultPrefix(t *testing.T) {
	gen := NewSequentialIDGenerator("")
	assert.Equal(t, "mut-1", gen.Generate())
}
