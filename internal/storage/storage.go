// Copyright 2022 Sogang University
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage reads the dataset container produced by the conversion
// tool.  A container holds two rectangular arrays under fixed names, the data
// array of shape [items, ...features] and the label array of shape
// [items, ...labels].  Reads select a contiguous range of items (a hyperslab
// along the first axis), so every worker reads only its own chunk
// concurrently with the others.
package storage

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Fixed array names inside the container.
const (
	DataArray  = "data"
	LabelArray = "label"
)

// Source is an opened dataset container.
type Source interface {
	// Name identifies the container, typically its path.
	Name() string

	// Dims returns the dimensions of the named array.
	Dims(array string) ([]int, error)

	// ReadRows reads count items starting at item start of the named array
	// into dst, converting to float32.  dst must hold exactly count items.
	ReadRows(array string, start, count int, dst []float32) error

	// Close releases the underlying storage handles.
	Close() error
}

// ErrNoArray is returned when the container does not hold the requested array.
var ErrNoArray = errors.New("array not found")

// Open opens the container in path.  Files with an HDF5 extension are read
// through h5dump; everything else is read as a safetensors container.
func Open(path string) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h5", ".hdf5", ".hdf":
		return OpenHDF5(path)
	default:
		return OpenSafetensors(path)
	}
}

// RowElems returns the number of elements of a single item of an array with
// the given dimensions.
func RowElems(dims []int) int {
	elems := 1
	for _, dim := range dims[1:] {
		elems *= dim
	}
	return elems
}

// checkRows validates a read request against the array dimensions.
func checkRows(name, array string, dims []int, start, count int, dst []float32) error {
	if len(dims) == 0 {
		return errors.Errorf("%s: array %q is a scalar", name, array)
	}
	if start < 0 || count < 0 || dims[0] < start+count {
		return errors.Errorf("%s: rows [%d,%d) out of bounds for array %q with %d items", name, start, start+count, array, dims[0])
	}
	if want := count * RowElems(dims); len(dst) != want {
		return errors.Errorf("%s: destination holds %d elements but %d rows of %q need %d", name, len(dst), count, array, want)
	}
	return nil
}
