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
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	region := make([]byte, size)
	p, err := New(region)
	require.NoError(t, err)
	return p
}

// walkChain is a test-only helper replicating invariant 1 (physical chain
// closure): it must land on the sentinel in exactly one pass.
func walkChain(t *testing.T, p *Pool) []block {
	t.Helper()
	var chain []block
	off := uint32(poolHeaderOverhead(p.cfg.Alignment))
	for off < p.totalSize {
		b := p.blockAt(off)
		chain = append(chain, b)
		off += p.blockSize(b)
	}
	require.Equal(t, p.totalSize, off, "physical chain must land exactly on the sentinel")
	return chain
}

func assertNoAdjacentFree(t *testing.T, p *Pool) {
	t.Helper()
	chain := walkChain(t, p)
	for i := 1; i < len(chain); i++ {
		if !p.isUsed(chain[i-1]) {
			assert.True(t, p.isUsed(chain[i]), "two physically adjacent blocks must never both be free")
		}
	}
}

func assertPrevUsedAgreement(t *testing.T, p *Pool) {
	t.Helper()
	chain := walkChain(t, p)
	prevUsed := true
	for _, b := range chain {
		assert.Equal(t, prevUsed, p.isPrevUsed(b))
		prevUsed = p.isUsed(b)
	}
}

// S1
func TestScenarioS1InitialLayout(t *testing.T) {
	region := make([]byte, 1<<20-1)
	p, err := New(region)
	require.NoError(t, err)

	hdrOverhead := poolHeaderOverhead(p.cfg.Alignment)
	sentSize := sentinelSize(p.cfg.Alignment)
	wantFirstSize := p.totalSize - uint32(hdrOverhead) - sentSize

	first := p.blockAt(uint32(hdrOverhead))
	assert.Equal(t, wantFirstSize, p.blockSize(first))
	assert.False(t, p.isUsed(first))

	st := p.Statistics()
	assert.Equal(t, sentSize, st.Used)
	assert.Equal(t, wantFirstSize, st.Free)
}

// S2
func TestScenarioS2MallocFillFree(t *testing.T) {
	p := newTestPool(t, 1<<20)
	ptr := p.Malloc(100)
	require.NotNil(t, ptr)

	usable := p.UsableSize(ptr)
	assert.GreaterOrEqual(t, usable, 100)
	assert.Equal(t, 0, usable%p.cfg.Alignment)

	buf := unsafe.Slice((*byte)(ptr), usable)
	for i := range buf {
		buf[i] = 0xAA
	}

	p.Free(ptr)
	assert.Equal(t, 0, p.SanityCheck())

	st := p.Statistics()
	assert.Equal(t, sentinelSize(p.cfg.Alignment), st.Used)
}

// S3
func TestScenarioS3ExactBucketReuse(t *testing.T) {
	p := newTestPool(t, 1<<20)
	a := p.Malloc(512)
	b := p.Malloc(512)
	c := p.Malloc(512)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	p.Free(b)
	reused := p.Malloc(512)
	require.NotNil(t, reused)
	assert.Equal(t, b, reused, "re-allocating the same size must reuse the just-freed block's address")
}

// S4
func TestScenarioS4CoalesceOnFree(t *testing.T) {
	p := newTestPool(t, 1<<20)
	a := p.Malloc(64)
	b := p.Malloc(64)
	require.NotNil(t, a)
	require.NotNil(t, b)

	ta := p.blockFromPayload(a)
	sizeBefore := p.blockSize(ta)

	p.Free(a)
	p.Free(b)
	assertNoAdjacentFree(t, p)

	merged := p.blockFromPayload(a)
	assert.False(t, p.isUsed(merged))
	assert.GreaterOrEqual(t, p.blockSize(merged), sizeBefore*2)
}

// S5
func TestScenarioS5ReallocShrinkKeepsPointer(t *testing.T) {
	p := newTestPool(t, 1<<20)
	a := p.Malloc(100)
	require.NotNil(t, a)

	b := p.Realloc(a, 50)
	require.NotNil(t, b)
	assert.Equal(t, a, b)

	t2 := p.blockFromPayload(b)
	next := p.physNext(t2)
	assert.False(t, p.isUsed(next), "shrinking must leave a free tail block")
}

// S6: 10,000 mixed random operations; sanity must stay clean every 1,000.
func TestScenarioS6MixedStress(t *testing.T) {
	p := newTestPool(t, 1<<20)
	rng := rand.New(rand.NewSource(1))

	type live struct {
		ptr     unsafe.Pointer
		size    int
		pattern byte
	}
	var alive []live

	const ops = 10000
	for i := 0; i < ops; i++ {
		roll := rng.Intn(100)
		switch {
		case roll < 40: // malloc
			n := rng.Intn(8<<10) + 1
			if ptr := p.Malloc(n); ptr != nil {
				pat := byte(rng.Intn(256))
				buf := unsafe.Slice((*byte)(ptr), p.UsableSize(ptr))
				for j := range buf {
					buf[j] = pat
				}
				alive = append(alive, live{ptr, p.UsableSize(ptr), pat})
			}
		case roll < 60: // calloc
			n := rng.Intn(4<<10) + 1
			if ptr := p.Calloc(1, n); ptr != nil {
				alive = append(alive, live{ptr, p.UsableSize(ptr), 0})
			}
		case roll < 75: // realloc
			if len(alive) > 0 {
				idx := rng.Intn(len(alive))
				n := rng.Intn(8 << 10)
				old := alive[idx]
				np := p.Realloc(old.ptr, n)
				if np != nil {
					alive[idx] = live{np, p.UsableSize(np), old.pattern}
				}
			}
		case roll < 80: // permalloc
			n := rng.Intn(256) + 1
			_ = p.Permalloc(n)
		default: // free
			if len(alive) > 0 {
				idx := rng.Intn(len(alive))
				p.Free(alive[idx].ptr)
				alive[idx] = alive[len(alive)-1]
				alive = alive[:len(alive)-1]
			}
		}

		if (i+1)%1000 == 0 {
			require.Equal(t, 0, p.SanityCheck(), "sanity must stay clean at operation %d", i+1)
		}
	}
}

// S7
func TestScenarioS7PermallocNeverReused(t *testing.T) {
	p := newTestPool(t, 1<<20)
	perma := p.Permalloc(256)
	require.NotNil(t, perma)

	permaBlock := p.blockFromPayload(perma)

	for i := 0; i < 200; i++ {
		a := p.Malloc(64 + i)
		if a != nil {
			p.Free(a)
		}
	}
	assert.True(t, p.isUsed(permaBlock), "a permalloc'd block must never be handed out by malloc")
}

func TestInvariantPrevUsedAgreementAfterOps(t *testing.T) {
	p := newTestPool(t, 1<<16)
	a := p.Malloc(40)
	b := p.Malloc(80)
	c := p.Malloc(16)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)
	p.Free(b)
	assertPrevUsedAgreement(t, p)
	p.Free(a)
	assertPrevUsedAgreement(t, p)
	p.Free(c)
	assertPrevUsedAgreement(t, p)
}

func TestInvariantCallocZero(t *testing.T) {
	p := newTestPool(t, 1<<16)
	ptr := p.Calloc(10, 32)
	require.NotNil(t, ptr)
	buf := unsafe.Slice((*byte)(ptr), 320)
	for _, v := range buf {
		assert.Equal(t, byte(0), v)
	}
}

func TestInvariantReallocPreservesContent(t *testing.T) {
	p := newTestPool(t, 1<<16)
	a := p.Malloc(64)
	require.NotNil(t, a)
	buf := unsafe.Slice((*byte)(a), 64)
	for i := range buf {
		buf[i] = byte(i)
	}

	b := p.Realloc(a, 128)
	require.NotNil(t, b)
	grown := unsafe.Slice((*byte)(b), 64)
	for i := 0; i < 64; i++ {
		assert.Equal(t, byte(i), grown[i])
	}
}

func TestInvariantUsableSizeLowerBound(t *testing.T) {
	p := newTestPool(t, 1<<16)
	for _, n := range []int{1, 7, 8, 63, 500} {
		ptr := p.Malloc(n)
		require.NotNil(t, ptr)
		assert.GreaterOrEqual(t, p.UsableSize(ptr), n)
	}
}

func TestCallocRejectsOverflow(t *testing.T) {
	p := newTestPool(t, 1<<16)
	assert.Nil(t, p.Calloc(1<<31, 1<<31))
}

func TestMallocReturnsNilOnExhaustion(t *testing.T) {
	p := newTestPool(t, 256)
	exhausted := false
	for i := 0; i < 1000; i++ {
		if p.Malloc(32) == nil {
			exhausted = true
			break
		}
	}
	assert.True(t, exhausted, "a 256-byte pool must eventually refuse a 32-byte request")
}

func TestFreeNilIsNoOp(t *testing.T) {
	p := newTestPool(t, 1<<16)
	p.Free(nil)
	assert.Equal(t, 0, p.SanityCheck())
}

func TestReallocNilDelegatesToMalloc(t *testing.T) {
	p := newTestPool(t, 1<<16)
	ptr := p.Realloc(nil, 40)
	require.NotNil(t, ptr)
	assert.GreaterOrEqual(t, p.UsableSize(ptr), 40)
}

func TestNewWithConfigRejectsOversizeRegion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddressWidth = Address16
	region := make([]byte, 1<<17) // exceeds Address16's 64KiB-1 ceiling
	_, err := NewWithConfig(region, cfg)
	assert.ErrorIs(t, err, ErrAddressWidthOverflow)
}
