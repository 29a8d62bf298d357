/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package tlsf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermallocCarvesFromTail(t *testing.T) {
	p := newTestPool(t, 1<<16)
	before, ok := p.lastRealBlock()
	require.True(t, ok)
	beforeSize := p.blockSize(before)

	ptr := p.Permalloc(64)
	require.NotNil(t, ptr)

	b := p.blockFromPayload(ptr)
	assert.True(t, p.isUsed(b))
	assert.Less(t, p.blockSize(b), beforeSize)

	next := p.physNext(b)
	assert.Equal(t, p.sentinelOffset(), next.off, "the reconstructed tail must still end in the sentinel")
	assert.True(t, p.isUsed(next))
}

func TestPermallocFallsBackToMallocWhenTailUsed(t *testing.T) {
	p := newTestPool(t, 1<<16)
	a := p.Malloc(64)
	require.NotNil(t, a)

	// Consume whatever free space remains (now the tail) in one shot, so
	// lastRealBlock becomes used and the only free space left is `a`,
	// which sits earlier in the chain.
	tailBlock, ok := p.lastRealBlock()
	require.True(t, ok)
	require.False(t, p.isUsed(tailBlock))
	rest := int(p.blockSize(tailBlock)) - p.headerSize
	b := p.Malloc(rest)
	require.NotNil(t, b)

	p.Free(a)

	perma := p.Permalloc(16)
	require.NotNil(t, perma, "Permalloc must fall back to an ordinary malloc when the tail is unusable")
}

// TestPermallocAbsorbsSentinelSlack pins the tail-absorption edge case:
// when the tail's free room after carving the request is too small to
// leave a valid free remainder, the whole tail block becomes the
// permanent allocation (not just the aligned request) and the sentinel
// is reconstructed in place.
func TestPermallocAbsorbsSentinelSlack(t *testing.T) {
	p := newTestPool(t, 1<<16)
	tail, ok := p.lastRealBlock()
	require.True(t, ok)
	tailSize := p.blockSize(tail)

	// Request exactly tailSize - headerSize - (MinBlockSize/2): after
	// alignment this leaves less than MinBlockSize of slack, triggering
	// the absorption branch.
	want := int(tailSize) - p.headerSize - p.cfg.MinBlockSize/2
	ptr := p.Permalloc(want)
	require.NotNil(t, ptr)

	b := p.blockFromPayload(ptr)
	assert.Equal(t, tail.off, b.off, "the permanent block must start exactly where the tail free block did")
	assert.Equal(t, tailSize, p.blockSize(b), "slack below MinBlockSize must be folded into the permanent allocation, not discarded")

	sentinel := p.physNext(b)
	assert.Equal(t, p.sentinelOffset(), sentinel.off)
	assert.True(t, p.isUsed(sentinel))
	assert.True(t, p.isPrevUsed(sentinel))
	assert.Equal(t, 0, p.SanityCheck())
}

func TestPermallocNeverCoalesces(t *testing.T) {
	p := newTestPool(t, 1<<16)
	a := p.Malloc(64)
	require.NotNil(t, a)
	perma := p.Permalloc(64)
	require.NotNil(t, perma)

	permaBlock := p.blockFromPayload(perma)
	p.Free(a)

	assert.True(t, p.isUsed(permaBlock), "freeing a neighbour must never pull a permalloc'd block into a merge")
}
