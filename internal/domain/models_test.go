package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidBiome(t *testing.T) {
	for _, b := range Biomes {
		assert.True(t, ValidBiome(b), "expected %s to be a valid biome", b)
	}

	assert.False(t, ValidBiome("swamp"))
	assert.False(t, ValidBiome(""))
	assert.False(t, ValidBiome("Forest"))
}

func TestBiomesAreUniqueAndComplete(t *testing.T) {
	assert.Len(t, Biomes, 7)

	seen := make(map[Biome]bool, len(Biomes))
	for _, b := range Biomes {
		assert.False(t, seen[b], "duplicate biome %s", b)
		seen[b] = true
	}
}
