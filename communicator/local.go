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

package communicator

import (
	"context"

	"github.com/pkg/errors"
)

// localTransport connects goroutines of a single process through shared
// mailboxes.
type localTransport struct {
	rank  int
	boxes []*mailbox
}

// NewLocalWorld creates n connected in-process transports, one per rank.
func NewLocalWorld(n int) []Transport {
	boxes := make([]*mailbox, 0, n)
	for len(boxes) < cap(boxes) {
		boxes = append(boxes, newMailbox())
	}
	world := make([]Transport, 0, n)
	for len(world) < cap(world) {
		world = append(world, &localTransport{rank: len(world), boxes: boxes})
	}
	return world
}

func (t *localTransport) Rank() int {
	return t.rank
}

func (t *localTransport) Size() int {
	return len(t.boxes)
}

func (t *localTransport) Send(ctx context.Context, dst int, key Key, payload []byte) error {
	if dst < 0 || len(t.boxes) <= dst {
		return errors.Errorf("rank %d: invalid destination %d", t.rank, dst)
	}
	if t.boxes[t.rank].isClosed() || t.boxes[dst].isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.boxes[dst].deliver(t.rank, key, append([]byte(nil), payload...))
	return nil
}

func (t *localTransport) Recv(ctx context.Context, src int, key Key) ([]byte, error) {
	if src < 0 || len(t.boxes) <= src {
		return nil, errors.Errorf("rank %d: invalid source %d", t.rank, src)
	}
	return t.boxes[t.rank].recv(ctx, src, key)
}

func (t *localTransport) Close() error {
	t.boxes[t.rank].close()
	return nil
}
