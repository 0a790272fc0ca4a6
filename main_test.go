package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetelescope/catkit2-sub001/datastream"
)

func TestParseShape(t *testing.T) {
	shape, err := parseShape("2, 3,4")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, shape)

	_, err = parseShape("2,x")
	assert.ErrorIs(t, err, datastream.ErrInvalidArgument)
}

func TestRegistryFlagsOverrideEnv(t *testing.T) {
	t.Setenv("DATASTREAM_REGISTRY_DIR", "/nonexistent")
	dir := t.TempDir()

	rf := registryFlags{dir: dir, prefix: "t."}
	reg, logger, err := rf.setup()
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, dir, reg.Dir())
	assert.Equal(t, dir+"/t.cam", reg.Path("cam"))

	rf = registryFlags{}
	reg, _, err = rf.setup()
	require.NoError(t, err)
	assert.Equal(t, "/nonexistent", reg.Dir())
}
