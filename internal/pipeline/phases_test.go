package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePhasesEmptySelectsAll(t *testing.T) {
	phases, err := ParsePhases("")
	require.NoError(t, err)
	assert.Equal(t, AllPhases, phases)
}

func TestParsePhasesAlwaysIncludesMount(t *testing.T) {
	phases, err := ParsePhases("archive")
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseMount, PhaseArchive}, phases)
}

func TestParsePhasesOrdersSelection(t *testing.T) {
	phases, err := ParsePhases("process,collect")
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseMount, PhaseCollect, PhaseProcess}, phases)
}

func TestParsePhasesTolerantInput(t *testing.T) {
	phases, err := ParsePhases(" Collect , INDEX ,")
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseMount, PhaseCollect, PhaseIndex}, phases)
}

func TestParsePhasesUnknown(t *testing.T) {
	_, err := ParsePhases("collect,extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract")
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "mount", PhaseMount.String())
	assert.Equal(t, "archive", PhaseArchive.String())
	assert.Equal(t, "phase(99)", Phase(99).String())
}
