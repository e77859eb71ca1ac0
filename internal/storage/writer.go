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
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a named array to be written into a container.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32

	// DType is the stored element type, "F32" (the default) or "F16".
	DType string
}

// Create writes the given tensors into a new safetensors container in path.
// It is mostly used to build fixtures; production containers come from the
// conversion tool.
func Create(path string, tensors ...Tensor) (err error) {
	header := map[string]any{
		safetensorsMetadataKey: map[string]string{"format": "pt"},
	}
	var offset int64
	for i := range tensors {
		t := &tensors[i]
		if t.DType == "" {
			t.DType = "F32"
		}
		info := &tensorInfo{DType: t.DType, Shape: t.Shape}
		size := info.elemSize()
		if size == 0 || t.DType == "F64" || t.DType == "BF16" {
			return errors.Errorf("tensor %q: cannot write dtype %s", t.Name, t.DType)
		}
		elems := 1
		for _, dim := range t.Shape {
			elems *= dim
		}
		if elems != len(t.Data) {
			return errors.Errorf("tensor %q: shape %v holds %d elements but got %d", t.Name, t.Shape, elems, len(t.Data))
		}
		info.DataOffsets = [2]int64{offset, offset + int64(elems*size)}
		offset = info.DataOffsets[1]
		header[t.Name] = info
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode header")
	}
	// pad the header with spaces so the data starts 8-byte aligned
	if pad := len(raw) % 8; pad != 0 {
		raw = append(raw, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create %q", path)
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(file)
	if err = binary.Write(w, binary.LittleEndian, uint64(len(raw))); err != nil {
		return errors.Wrapf(err, "%s: failed to write header length", path)
	}
	if _, err = w.Write(raw); err != nil {
		return errors.Wrapf(err, "%s: failed to write header", path)
	}
	var scratch [4]byte
	for _, t := range tensors {
		for _, v := range t.Data {
			if t.DType == "F16" {
				binary.LittleEndian.PutUint16(scratch[:2], float16.Fromfloat32(v).Bits())
				_, err = w.Write(scratch[:2])
			} else {
				binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
				_, err = w.Write(scratch[:])
			}
			if err != nil {
				return errors.Wrapf(err, "%s: failed to write tensor %q", path, t.Name)
			}
		}
	}
	return errors.Wrapf(w.Flush(), "%s: failed to flush", path)
}
