package tdcstream

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	hdf5 "github.com/jmbenlloch/go-hdf5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableRows(t *testing.T, file *hdf5.File, name string) uint {
	t.Helper()
	ds, err := file.OpenDataset(name)
	require.NoError(t, err)
	defer ds.Close()
	space := ds.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	require.NoError(t, err)
	require.Len(t, dims, 1)
	return dims[0]
}

func TestWriterTables(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "events.h5")
	boards := []BoardSetup{
		boardSetup(0xB, "tdcB", false, true),
		boardSetup(0xA, "tdcA", true, true),
	}
	writer, err := NewWriter(filename, 42, uuid.New(), boards)
	require.NoError(t, err)

	events := []*Event{
		{
			Number:      1,
			TriggerTime: 1e-3,
			Sources:     []uint32{0xA},
			SubEvents: map[string]*SubEvent{
				"tdcA": {Board: 0xA, Name: "tdcA", Hits: []Hit{{Channel: 0, Edge: Rising, Time: 1e-3}}},
				"tdcB": {Board: 0xB, Name: "tdcB", Hits: []Hit{
					{Channel: 2, Edge: Rising, Time: 1.00001e-3},
					{Channel: 2, Edge: Falling, Time: 1.00004e-3, ToT: 30e-9, HasToT: true},
				}},
			},
		},
		{
			Number:      2,
			TriggerTime: 2e-3,
			Sources:     []uint32{0xA},
			SubEvents: map[string]*SubEvent{
				"tdcA": {Board: 0xA, Name: "tdcA"},
				"tdcB": {Board: 0xB, Name: "tdcB", Erred: true},
			},
		},
	}
	for _, ev := range events {
		require.NoError(t, writer.WriteEvent(ev))
	}
	assert.Equal(t, 2, writer.EvtCounter)
	assert.Equal(t, 4, writer.SubEvtCount)
	assert.Equal(t, 3, writer.HitsCounter)
	require.NoError(t, writer.Close())

	file, err := hdf5.OpenFile(filename, hdf5.F_ACC_RDONLY)
	require.NoError(t, err)
	defer file.Close()

	assert.Equal(t, uint(1), tableRows(t, file, "Run/runInfo"))
	assert.Equal(t, uint(2), tableRows(t, file, "Sensors/boards"))
	assert.Equal(t, uint(2), tableRows(t, file, "Events/events"))
	assert.Equal(t, uint(4), tableRows(t, file, "Events/subevents"))
	assert.Equal(t, uint(3), tableRows(t, file, "Hits/hits"))
}

func TestWriterBadPath(t *testing.T) {
	_, err := NewWriter(filepath.Join(t.TempDir(), "missing", "events.h5"), 1, uuid.New(), nil)
	var openErr *ErrOpenFile
	assert.ErrorAs(t, err, &openErr)
}
