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
	"bytes"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// H5DumpBinary is the tool used to access HDF5 files, shipped with the
// hdf5-tools package.
const H5DumpBinary = "h5dump"

var (
	regexpH5DatasetHeaderName      = regexp.MustCompile(`^\s*"(.*?)"\s*\{`)
	regexpH5DatasetHeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\s*\n`)
	regexpH5DatasetHeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// h5Dataset is the metadata of a single HDF5 dataset (HDF5 calls arrays
// datasets).
type h5Dataset struct {
	path     string
	elemSize int
	dims     []int
}

// HDF5 is an HDF5 container accessed through h5dump.  Only datasets in the
// root group are visible, under their bare names.
type HDF5 struct {
	path     string
	bin      string
	datasets map[string]*h5Dataset
}

// OpenHDF5 lists the datasets of the HDF5 file in path.
func OpenHDF5(path string) (*HDF5, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file in path %q", path)
	}
	bin, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q binary in PATH, needed to read HDF5 files -- please install hdf5-tools", H5DumpBinary)
	}
	glog.V(2).Infof("using h5dump from %q", bin)

	h := &HDF5{path: path, bin: bin}
	header, err := h.exec("--header", path)
	if err != nil {
		return nil, err
	}
	if h.datasets, err = parseH5Header(string(header)); err != nil {
		return nil, errors.WithMessagef(err, "%s", path)
	}
	return h, nil
}

// parseH5Header parses the output of `h5dump --header`.  Datasets whose type
// cannot be converted to float32 are skipped.
func parseH5Header(header string) (map[string]*h5Dataset, error) {
	parts := strings.Split(header, "DATASET")
	datasets := make(map[string]*h5Dataset, len(parts)-1)

datasetHeaders:
	for _, part := range parts[1:] {
		matches := regexpH5DatasetHeaderName.FindStringSubmatch(part)
		if len(matches) != 2 {
			return nil, errors.Errorf("failed to parse dataset header %q", part)
		}
		ds := &h5Dataset{path: "/" + strings.TrimPrefix(matches[1], "/")}

		matches = regexpH5DatasetHeaderDataType.FindStringSubmatch(part)
		if len(matches) != 2 {
			continue
		}
		switch matches[1] {
		case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
			ds.elemSize = 4
		case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
			ds.elemSize = 8
		default:
			glog.Warningf("skipping HDF5 dataset %q of type %s", ds.path, matches[1])
			continue datasetHeaders
		}

		matches = regexpH5DatasetHeaderDataSpace.FindStringSubmatch(part)
		if len(matches) != 4 || matches[1] != "SIMPLE" {
			continue
		}
		for _, dimStr := range strings.Split(matches[3], ",") {
			dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse DATASPACE of %q", ds.path)
			}
			ds.dims = append(ds.dims, dim)
		}
		datasets[strings.TrimPrefix(ds.path, "/")] = ds
	}
	return datasets, nil
}

// Name returns the path of the HDF5 file.
func (h *HDF5) Name() string {
	return h.path
}

// Dims returns the dimensions of the named dataset.
func (h *HDF5) Dims(array string) ([]int, error) {
	ds, ok := h.datasets[array]
	if !ok {
		return nil, errors.Wrapf(ErrNoArray, "%s: %q", h.path, array)
	}
	return append([]int(nil), ds.dims...), nil
}

// ReadRows dumps the hyperslab of count items starting at start as
// little-endian binary and decodes it.
func (h *HDF5) ReadRows(array string, start, count int, dst []float32) error {
	ds, ok := h.datasets[array]
	if !ok {
		return errors.Wrapf(ErrNoArray, "%s: %q", h.path, array)
	}
	if err := checkRows(h.path, array, ds.dims, start, count, dst); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	tmpFile, err := os.CreateTemp("", "hdf5_hyperslab")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file to extract HDF5 hyperslab")
	}
	defer func() {
		if err := os.Remove(tmpFile.Name()); err != nil {
			glog.Warningf("failed to remove temporary file %q used to extract HDF5 hyperslab: %+v", tmpFile.Name(), err)
		}
	}()

	starts, counts := make([]string, len(ds.dims)), make([]string, len(ds.dims))
	for axis, dim := range ds.dims {
		starts[axis], counts[axis] = "0", strconv.Itoa(dim)
	}
	starts[0], counts[0] = strconv.Itoa(start), strconv.Itoa(count)
	if _, err = h.exec("--dataset="+ds.path, "--start="+strings.Join(starts, ","), "--count="+strings.Join(counts, ","),
		"--binary=LE", "--output="+tmpFile.Name(), h.path); err != nil {
		return err
	}
	raw, err := os.Open(tmpFile.Name())
	if err != nil {
		return errors.Wrapf(err, "failed to open temporary file %q to extract HDF5 hyperslab", tmpFile.Name())
	}
	defer raw.Close()
	info, err := raw.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat temporary file %q", tmpFile.Name())
	}
	if info.Size() != int64(len(dst)*ds.elemSize) {
		return errors.Errorf("%s: h5dump produced %d bytes for rows [%d,%d) of %q, expected %d",
			h.path, info.Size(), start, start+count, array, len(dst)*ds.elemSize)
	}
	decode := decoders["F32"]
	if ds.elemSize == 8 {
		decode = decoders["F64"]
	}
	return readBlocks(raw, 0, dst, ds.elemSize, decode)
}

// Close is a no-op; h5dump holds no handles between reads.
func (h *HDF5) Close() error {
	return nil
}

// exec executes h5dump and handles errors.
func (h *HDF5) exec(args ...string) ([]byte, error) {
	cmd := exec.Command(h.bin, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdoutBuf, &stderrBuf
	if err := cmd.Run(); err != nil {
		err = errors.Wrapf(err, "failed executing %q to access HDF5 file", cmd)
		return nil, errors.WithMessagef(err, "STDERR captured:\n%s\n", stderrBuf.String())
	}
	return stdoutBuf.Bytes(), nil
}
