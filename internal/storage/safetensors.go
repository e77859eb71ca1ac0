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
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

const safetensorsMetadataKey = "__metadata__"

// maxHeaderLen guards against reading a corrupted header length.
const maxHeaderLen = 100 << 20

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// elemSize returns the number of bytes of a single element, or 0 if the
// dtype cannot be converted to float32.
func (t *tensorInfo) elemSize() int {
	switch t.DType {
	case "F64":
		return 8
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	}
	return 0
}

// Safetensors is a safetensors container opened for random access.  Rows
// are read with ReadAt, which is safe for concurrent use.
type Safetensors struct {
	path    string
	file    *os.File
	base    int64
	tensors map[string]*tensorInfo
}

// OpenSafetensors opens the safetensors container in path and parses its
// header.
func OpenSafetensors(path string) (*Safetensors, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open safetensors file %q", path)
	}
	s := &Safetensors{path: path, file: file}
	if err = s.parseHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

func (s *Safetensors) parseHeader() error {
	var lenBuf [8]byte
	if _, err := io.ReadFull(s.file, lenBuf[:]); err != nil {
		return errors.Wrapf(err, "%s: failed to read header length", s.path)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if maxHeaderLen < headerLen {
		return errors.Errorf("%s: header length %d exceeds %d bytes", s.path, headerLen, maxHeaderLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(s.file, header); err != nil {
		return errors.Wrapf(err, "%s: failed to read header", s.path)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return errors.Wrapf(err, "%s: failed to parse header", s.path)
	}

	info, err := s.file.Stat()
	if err != nil {
		return errors.Wrapf(err, "%s: failed to stat", s.path)
	}
	s.base = int64(len(lenBuf)) + int64(headerLen)
	s.tensors = make(map[string]*tensorInfo, len(raw))
	for name, msg := range raw {
		if name == safetensorsMetadataKey {
			continue
		}
		t := new(tensorInfo)
		if err = json.Unmarshal(msg, t); err != nil {
			return errors.Wrapf(err, "%s: failed to parse metadata of %q", s.path, name)
		}
		if t.elemSize() == 0 {
			glog.Warningf("%s: skipping tensor %q with unsupported dtype %s", s.path, name, t.DType)
			continue
		}
		elems := int64(1)
		for _, dim := range t.Shape {
			elems *= int64(dim)
		}
		if size := t.DataOffsets[1] - t.DataOffsets[0]; size != elems*int64(t.elemSize()) {
			return errors.Errorf("%s: tensor %q of shape %v and dtype %s requires %d bytes, but data_offsets reserve %d",
				s.path, name, t.Shape, t.DType, elems*int64(t.elemSize()), size)
		}
		if info.Size() < s.base+t.DataOffsets[1] {
			return errors.Errorf("%s: tensor %q ends at byte %d past the end of the file", s.path, name, s.base+t.DataOffsets[1])
		}
		s.tensors[name] = t
	}
	return nil
}

// Name returns the path of the container.
func (s *Safetensors) Name() string {
	return s.path
}

// Dims returns the shape of the named tensor.
func (s *Safetensors) Dims(array string) ([]int, error) {
	t, ok := s.tensors[array]
	if !ok {
		return nil, errors.Wrapf(ErrNoArray, "%s: %q", s.path, array)
	}
	return append([]int(nil), t.Shape...), nil
}

// ReadRows reads a contiguous range of items.  Items are stored in row-major
// order, so the range is a single contiguous byte span.
func (s *Safetensors) ReadRows(array string, start, count int, dst []float32) error {
	t, ok := s.tensors[array]
	if !ok {
		return errors.Wrapf(ErrNoArray, "%s: %q", s.path, array)
	}
	if err := checkRows(s.path, array, t.Shape, start, count, dst); err != nil {
		return err
	}
	rowBytes := int64(RowElems(t.Shape) * t.elemSize())
	if err := readBlocks(s.file, s.base+t.DataOffsets[0]+int64(start)*rowBytes, dst, t.elemSize(), decoders[t.DType]); err != nil {
		return errors.Wrapf(err, "%s: failed to read rows [%d,%d) of %q", s.path, start, start+count, array)
	}
	return nil
}

// decoders convert little-endian elements of each supported dtype.
var decoders = map[string]func(dst []float32, src []byte){
	"F64": func(dst []float32, src []byte) {
		for index := range dst {
			dst[index] = float32(math.Float64frombits(binary.LittleEndian.Uint64(src[index*8:])))
		}
	},
	"F32": func(dst []float32, src []byte) {
		for index := range dst {
			dst[index] = math.Float32frombits(binary.LittleEndian.Uint32(src[index*4:]))
		}
	},
	"F16": func(dst []float32, src []byte) {
		for index := range dst {
			dst[index] = float16.Frombits(binary.LittleEndian.Uint16(src[index*2:])).Float32()
		}
	},
	"BF16": func(dst []float32, src []byte) {
		for index := range dst {
			dst[index] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(src[index*2:])) << 16)
		}
	},
}

// Close closes the underlying file.
func (s *Safetensors) Close() error {
	return s.file.Close()
}
