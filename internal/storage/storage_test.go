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

package storage

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFixture writes a container of items items, each holding a 2x3 data
// item equal to its index plus a fraction, and a label equal to its index.
func writeFixture(t *testing.T, items int, dtype string) string {
	t.Helper()
	data := make([]float32, 0, items*6)
	labels := make([]float32, 0, items)
	for item := 0; item < items; item++ {
		for elem := 0; elem < 6; elem++ {
			data = append(data, float32(item)+float32(elem)/8)
		}
		labels = append(labels, float32(item))
	}
	path := filepath.Join(t.TempDir(), "fixture.safetensors")
	require.NoError(t, Create(path,
		Tensor{Name: DataArray, Shape: []int{items, 2, 3}, Data: data, DType: dtype},
		Tensor{Name: LabelArray, Shape: []int{items, 1}, Data: labels},
	))
	return path
}

func TestSafetensors(t *testing.T) {
	for _, dtype := range []string{"F32", "F16"} {
		t.Run(dtype, func(t *testing.T) {
			const items = 100
			src, err := Open(writeFixture(t, items, dtype))
			require.NoError(t, err)
			defer src.Close()

			dims, err := src.Dims(DataArray)
			require.NoError(t, err)
			assert.Equal(t, []int{items, 2, 3}, dims)
			dims, err = src.Dims(LabelArray)
			require.NoError(t, err)
			assert.Equal(t, []int{items, 1}, dims)
			assert.Equal(t, 6, RowElems([]int{items, 2, 3}))

			data := make([]float32, 10*6)
			require.NoError(t, src.ReadRows(DataArray, 40, 10, data))
			for index, v := range data {
				assert.Equal(t, float32(40+index/6)+float32(index%6)/8, v)
			}
			labels := make([]float32, 10)
			require.NoError(t, src.ReadRows(LabelArray, 90, 10, labels))
			for index, v := range labels {
				assert.Equal(t, float32(90+index), v)
			}
		})
	}
}

func TestReadBlocks(t *testing.T) {
	defer func(size int) {
		readBlockSize = size
	}(readBlockSize)

	// blocks that end in the middle of an item
	for _, size := range []int{1, 10, 26, 1 << 10} {
		readBlockSize = size
		for _, dtype := range []string{"F32", "F16"} {
			src, err := OpenSafetensors(writeFixture(t, 50, dtype))
			require.NoError(t, err)
			data := make([]float32, 7*6)
			require.NoError(t, src.ReadRows(DataArray, 13, 7, data))
			for index, v := range data {
				assert.Equal(t, float32(13+index/6)+float32(index%6)/8, v, "block size: %d dtype: %s", size, dtype)
			}
			src.Close()
		}
	}
}

func TestReadRowsMemory(t *testing.T) {
	const (
		items = 1 << 14
		elems = 1 << 6
	)
	defer func(size int) {
		readBlockSize = size
	}(readBlockSize)
	readBlockSize = 1 << 16

	path := filepath.Join(t.TempDir(), "large.safetensors")
	require.NoError(t, Create(path,
		Tensor{Name: DataArray, Shape: []int{items, elems, 1}, Data: make([]float32, items*elems)},
		Tensor{Name: LabelArray, Shape: []int{items, 1}, Data: make([]float32, items)},
	))
	src, err := OpenSafetensors(path)
	require.NoError(t, err)
	defer src.Close()

	dst := make([]float32, items*elems)
	require.NoError(t, src.ReadRows(DataArray, 0, items, dst))

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	require.NoError(t, src.ReadRows(DataArray, 0, items, dst))
	runtime.ReadMemStats(&after)

	allocated := after.TotalAlloc - before.TotalAlloc
	t.Logf("read %d bytes with %d bytes of heap", 4*len(dst), allocated)
	assert.Less(t, allocated, uint64(len(dst)))
}

func TestSafetensorsErrors(t *testing.T) {
	src, err := OpenSafetensors(writeFixture(t, 10, "F32"))
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Dims("missing")
	assert.True(t, errors.Is(err, ErrNoArray))
	assert.Error(t, src.ReadRows(LabelArray, 5, 6, make([]float32, 6)))
	assert.Error(t, src.ReadRows(LabelArray, 0, 2, make([]float32, 3)))

	path := filepath.Join(t.TempDir(), "corrupt.safetensors")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0, '{'}, 0o644))
	_, err = OpenSafetensors(path)
	assert.Error(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "missing.safetensors"))
	assert.Error(t, err)

	assert.Error(t, Create(filepath.Join(t.TempDir(), "bad.safetensors"), Tensor{Name: DataArray, Shape: []int{2, 2}, Data: make([]float32, 3)}))
}

const h5Header = `HDF5 "imagenet.h5" {
GROUP "/" {
   DATASET "data" {
      DATATYPE  H5T_IEEE_F32LE
      DATASPACE  SIMPLE { ( 1000, 3, 32, 32 ) / ( 1000, 3, 32, 32 ) }
   }
   DATASET "label" {
      DATATYPE  H5T_IEEE_F32LE
      DATASPACE  SIMPLE { ( 1000, 1 ) / ( 1000, 1 ) }
   }
   DATASET "names" {
      DATATYPE  H5T_STRING {
         STRSIZE 16;
      }
      DATASPACE  SIMPLE { ( 1000 ) / ( 1000 ) }
   }
}
}
`

func TestParseH5Header(t *testing.T) {
	datasets, err := parseH5Header(h5Header)
	require.NoError(t, err)
	require.Len(t, datasets, 2)
	assert.Equal(t, []int{1000, 3, 32, 32}, datasets[DataArray].dims)
	assert.Equal(t, "/data", datasets[DataArray].path)
	assert.Equal(t, 4, datasets[DataArray].elemSize)
	assert.Equal(t, []int{1000, 1}, datasets[LabelArray].dims)
}
