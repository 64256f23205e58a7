package tdcstream

import (
	"github.com/jmbenlloch/go-hdf5"
)

type RunInfoHDF5 struct {
	run_number int32
	run_uuid   [UUIDLEN]byte
}

type EventDataHDF5 struct {
	evt_number   uint64
	trigger_time float64
	n_hits       int32
	n_sources    int32
}

type SubEventHDF5 struct {
	evt_number uint64
	board      uint32
	name       [STRLEN]byte
	n_hits     int32
	erred      uint8
}

type HitHDF5 struct {
	evt_number uint64
	board      uint32
	channel    uint16
	edge       uint8
	has_tot    uint8
	has_ref    uint8
	time       float64
	tot        float64
	ref_time   float64
}

const STRLEN = 20
const UUIDLEN = 36

func convertToHdf5String(s string) [STRLEN]byte {
	var byteArray [STRLEN]byte
	copy(byteArray[:], s)
	return byteArray
}

func openFile(fname string) (*hdf5.File, error) {
	f, err := hdf5.CreateFile(fname, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, &ErrOpenFile{Filename: fname, Err: err}
	}
	return f, nil
}

func createGroup(file *hdf5.File, groupName string) (*hdf5.Group, error) {
	g, err := file.CreateGroup(groupName)
	if err != nil {
		return nil, &ErrCreateGroup{GroupName: groupName, Err: err}
	}
	return g, nil
}

func createTable(group *hdf5.Group, name string, datatype interface{}, compression int) (*hdf5.Dataset, error) {
	dims := []uint{0}
	unlimitedDims := -1 // H5S_UNLIMITED is -1L
	maxDims := []uint{uint(unlimitedDims)}
	file_space, err := hdf5.CreateSimpleDataspace(dims, maxDims)
	if err != nil {
		return nil, &ErrCreateTable{TableName: name, Err: err}
	}

	// create property list
	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return nil, &ErrCreateTable{TableName: name, Err: err}
	}

	chunks := []uint{32768}
	plist.SetChunk(chunks)
	plist.SetDeflate(compression)

	// create the memory data type
	dtype, err := hdf5.NewDatatypeFromValue(datatype)
	if err != nil {
		return nil, &ErrCreateTable{TableName: name, Err: err}
	}

	// create the dataset
	dset, err := group.CreateDatasetWith(name, dtype, file_space, plist)
	if err != nil {
		return nil, &ErrCreateTable{TableName: name, Err: err}
	}
	return dset, nil
}

func writeEntryToTable[T any](dataset *hdf5.Dataset, data T, rowsInFile int) error {
	array := []T{data}
	return writeArrayToTable(dataset, &array, rowsInFile)
}

func writeArrayToTable[T any](dataset *hdf5.Dataset, data *[]T, rowsInFile int) error {
	length := uint(len(*data))
	if length == 0 {
		return nil
	}
	dims := []uint{length}
	dataspace, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return err
	}
	defer dataspace.Close()

	// extend
	start := uint(rowsInFile)
	newsize := []uint{start + length}
	if err := dataset.Resize(newsize); err != nil {
		return err
	}
	filespace := dataset.Space()
	defer filespace.Close()

	count := []uint{length}
	if err := filespace.SelectHyperslab([]uint{start}, nil, count, nil); err != nil {
		return err
	}
	return dataset.WriteSubset(data, dataspace, filespace)
}
