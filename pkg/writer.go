package tdcstream

import (
	"errors"
	"sort"

	"github.com/google/uuid"
	hdf5 "github.com/jmbenlloch/go-hdf5"
	"golang.org/x/exp/maps"
)

const defaultCompression = 4

type BoardMappingHDF5 struct {
	board        uint32
	name         [STRLEN]byte
	num_channels int32
	sync         uint8
	trigger      uint8
	raw_only     uint8
}

// Writer stores assembled events in an HDF5 file. It implements
// EventStore.
type Writer struct {
	File         *hdf5.File
	Filename     string
	RunGroup     *hdf5.Group
	EventsGroup  *hdf5.Group
	HitsGroup    *hdf5.Group
	SensorsGroup *hdf5.Group
	RunInfoTable *hdf5.Dataset
	BoardsTable  *hdf5.Dataset
	EventTable   *hdf5.Dataset
	SubEvtTable  *hdf5.Dataset
	HitsTable    *hdf5.Dataset
	EvtCounter   int
	SubEvtCount  int
	HitsCounter  int
}

func NewWriter(filename string, runNumber int, runID uuid.UUID, boards []BoardSetup) (*Writer, error) {
	// Set string size for HDF5
	hdf5.SetStringLength(STRLEN)

	file, err := openFile(filename)
	if err != nil {
		return nil, err
	}
	writer := &Writer{File: file, Filename: filename}

	groups := []struct {
		name  string
		group **hdf5.Group
	}{
		{"Run", &writer.RunGroup},
		{"Events", &writer.EventsGroup},
		{"Hits", &writer.HitsGroup},
		{"Sensors", &writer.SensorsGroup},
	}
	for _, g := range groups {
		*g.group, err = createGroup(writer.File, g.name)
		if err != nil {
			return nil, errors.Join(err, writer.Close())
		}
	}

	tables := []struct {
		group    *hdf5.Group
		name     string
		datatype interface{}
		table    **hdf5.Dataset
	}{
		{writer.RunGroup, "runInfo", RunInfoHDF5{}, &writer.RunInfoTable},
		{writer.SensorsGroup, "boards", BoardMappingHDF5{}, &writer.BoardsTable},
		{writer.EventsGroup, "events", EventDataHDF5{}, &writer.EventTable},
		{writer.EventsGroup, "subevents", SubEventHDF5{}, &writer.SubEvtTable},
		{writer.HitsGroup, "hits", HitHDF5{}, &writer.HitsTable},
	}
	for _, t := range tables {
		*t.table, err = createTable(t.group, t.name, t.datatype, defaultCompression)
		if err != nil {
			return nil, errors.Join(err, writer.Close())
		}
	}

	var id [UUIDLEN]byte
	copy(id[:], runID.String())
	err = writeEntryToTable(writer.RunInfoTable, RunInfoHDF5{run_number: int32(runNumber), run_uuid: id}, 0)
	if err != nil {
		return nil, errors.Join(err, writer.Close())
	}
	if err := writer.writeBoards(boards); err != nil {
		return nil, errors.Join(err, writer.Close())
	}
	return writer, nil
}

func (w *Writer) writeBoards(boards []BoardSetup) error {
	if len(boards) == 0 {
		return nil
	}
	// The array MUST be allocated at creation, if not, HDF5 will panic
	sorted := make([]BoardMappingHDF5, len(boards))
	for i, b := range boards {
		sorted[i] = BoardMappingHDF5{
			board:        b.BoardID,
			name:         convertToHdf5String(b.Name),
			num_channels: int32(b.NumChannels),
			sync:         boolToUint8(b.SyncRequired),
			trigger:      boolToUint8(b.TriggerEligible),
			raw_only:     boolToUint8(b.RawScanOnly),
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].board < sorted[j].board
	})
	return writeArrayToTable(w.BoardsTable, &sorted, 0)
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// WriteEvent appends one event row, one row per contributing producer and
// every hit in producer order.
func (w *Writer) WriteEvent(event *Event) error {
	names := maps.Keys(event.SubEvents)
	sort.Strings(names)

	subevents := make([]SubEventHDF5, 0, len(names))
	hits := make([]HitHDF5, 0, event.NumHits())
	for _, name := range names {
		sub := event.SubEvents[name]
		subevents = append(subevents, SubEventHDF5{
			evt_number: event.Number,
			board:      sub.Board,
			name:       convertToHdf5String(sub.Name),
			n_hits:     int32(len(sub.Hits)),
			erred:      boolToUint8(sub.Erred),
		})
		for _, hit := range sub.Hits {
			hits = append(hits, HitHDF5{
				evt_number: event.Number,
				board:      sub.Board,
				channel:    hit.Channel,
				edge:       uint8(hit.Edge),
				has_tot:    boolToUint8(hit.HasToT),
				has_ref:    boolToUint8(hit.HasRef),
				time:       hit.Time,
				tot:        hit.ToT,
				ref_time:   hit.RefTime,
			})
		}
	}

	evt := EventDataHDF5{
		evt_number:   event.Number,
		trigger_time: event.TriggerTime,
		n_hits:       int32(len(hits)),
		n_sources:    int32(len(event.Sources)),
	}
	if err := writeEntryToTable(w.EventTable, evt, w.EvtCounter); err != nil {
		return err
	}
	w.EvtCounter++

	if err := writeArrayToTable(w.SubEvtTable, &subevents, w.SubEvtCount); err != nil {
		return err
	}
	w.SubEvtCount += len(subevents)

	if err := writeArrayToTable(w.HitsTable, &hits, w.HitsCounter); err != nil {
		return err
	}
	w.HitsCounter += len(hits)
	return nil
}

func (w *Writer) Close() error {
	var errs error
	for _, table := range []*hdf5.Dataset{w.RunInfoTable, w.BoardsTable, w.EventTable, w.SubEvtTable, w.HitsTable} {
		if table != nil {
			errs = errors.Join(errs, table.Close())
		}
	}
	for _, group := range []*hdf5.Group{w.RunGroup, w.EventsGroup, w.HitsGroup, w.SensorsGroup} {
		if group != nil {
			errs = errors.Join(errs, group.Close())
		}
	}
	if w.File != nil {
		errs = errors.Join(errs, w.File.Close())
		w.File = nil
	}
	return errs
}
