// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package stage2

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSizeForRoundsUpToPowerOfTwoAtLeastOneMiB(t *testing.T) {
	assert.Equal(t, int64(1*1024*1024), chunkSizeFor(512))
	assert.Equal(t, int64(1*1024*1024), chunkSizeFor(0))
	assert.Equal(t, int64(4*1024*1024), chunkSizeFor(4*1024*1024))
}

func TestChunkedCopyWritesAllBytesInChunks(t *testing.T) {
	input := strings.Repeat("x", 10000)
	var out bytes.Buffer

	written, err := chunkedCopy(&out, strings.NewReader(input), 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(len(input)), written)
	assert.Equal(t, input, out.String())
}

func TestChunkedCopyPropagatesShortWriteAsError(t *testing.T) {
	input := strings.Repeat("y", 100)
	out := &shortWriter{limit: 10}

	_, err := chunkedCopy(out, strings.NewReader(input), 50)
	assert.Error(t, err)
}

// shortWriter writes at most limit bytes per call, to exercise
// chunkedCopy's short-write detection without needing a real device.
type shortWriter struct {
	limit int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.limit {
		return w.limit, nil
	}
	return len(p), nil
}

type countingWriter struct {
	total int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.total += int64(len(p))
	return len(p), nil
}

func TestProgressWriterReportsEachWriteDelta(t *testing.T) {
	var deltas []int64
	pw := &progressWriter{
		w: &countingWriter{},
		onProgress: func(delta int64) {
			deltas = append(deltas, delta)
		},
	}
	_, err := pw.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = pw.Write([]byte("world!"))
	require.NoError(t, err)

	assert.Equal(t, []int64{5, 6}, deltas)
}
