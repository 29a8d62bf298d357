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

// Package tlsf implements a deterministic, fixed-pool Two-Level
// Segregated Fit memory allocator for embedded and real-time use: O(1)
// worst-case malloc/free via a two-level segregated free-block index,
// split/merge coalescing, and a tail sub-allocator for long-lived
// allocations that are never handed back to the free index.
//
// IMPORTANT: a Pool is NOT goroutine-safe. The allocator does no internal
// locking, no atomics, and has no re-entrancy protection; a single Pool
// must never be used by two goroutines at once without external
// exclusion (see package tlsf/tlsfqueue for a ready-made single-writer
// wrapper).
package tlsf

import (
	"fmt"
	"unsafe"
)

// sentinelSize is the size of the zero-payload used block that always
// terminates the physical chain: just the header, nothing else.
func sentinelSize(alignment int) uint32 { return uint32(alignment) }

// poolHeaderOverhead is the number of region bytes reserved at the very
// start of the pool for the pool-level header (the total_size field).
// The free-block index's bitmaps and bucket heads live as plain Go-side
// fields on Pool rather than packed into the region: they need no
// pointer-stability guarantee the region would provide, and keeping them
// off to the side is what lets the debug build add a checksum field (see
// debug.go) without changing this layout or the block offsets any
// non-debug build computes.
func poolHeaderOverhead(alignment int) int {
	return roundUpTo(wordSize, alignment)
}

// Pool is a handle to a TLSF arena carved out of a caller-supplied byte
// region. Pool does not own that region: Cleanup releases Pool's logical
// claim on it but never deallocates it, matching the "non-owning view"
// ownership model of a fixed-pool allocator.
type Pool struct {
	mem        []byte
	cfg        Config
	headerSize int // == cfg.Alignment; overhead charged to every block
	totalSize  uint32
	free       freeIndex

	lastError string
	profile   profileState

	// debugChecksum and permaBlocks back the tlsfdebug build's invalid-free
	// and header-corruption detection (see debug_check.go). They are plain
	// Go-side bookkeeping, declared in every build but populated only by the
	// tlsfdebug versions of markPermalloc and debugVerifyChecksum; in a
	// release build they stay empty.
	debugChecksum uint64
	permaBlocks   map[uint32]struct{}
}

// New creates a Pool over region using DefaultConfig.
func New(region []byte) (*Pool, error) {
	return NewWithConfig(region, DefaultConfig())
}

// NewWithConfig creates a Pool over region with an explicit Config. It
// requires an aligned region whose size is representable in the
// configured AddressWidth and large enough to hold the pool header, one
// free block, and the sentinel. Once NewWithConfig returns successfully,
// the region belongs to the pool until Cleanup.
func NewWithConfig(region []byte, cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(region) == 0 {
		return nil, fmt.Errorf("%w: region is empty", ErrRegionTooSmall)
	}
	base := uintptr(unsafe.Pointer(&region[0]))
	if base%uintptr(cfg.Alignment) != 0 {
		return nil, ErrRegionMisaligned
	}

	usable := roundDownTo(len(region), cfg.Alignment)
	if uint64(usable) > cfg.AddressWidth.maxRegionSize() {
		return nil, fmt.Errorf("%w: region of %d bytes exceeds %v's addressable range of %d bytes",
			ErrAddressWidthOverflow, usable, cfg.AddressWidth, cfg.AddressWidth.maxRegionSize())
	}

	hdrOverhead := poolHeaderOverhead(cfg.Alignment)
	minPool := hdrOverhead + cfg.Alignment /*one block header*/ + cfg.MinBlockSize + int(sentinelSize(cfg.Alignment))
	if usable < minPool {
		return nil, ErrRegionTooSmall
	}

	p := &Pool{
		mem:        region[:usable],
		cfg:        cfg,
		headerSize: cfg.Alignment,
		totalSize:  uint32(usable),
		free:       newFreeIndex(cfg),
	}
	p.init(hdrOverhead)
	return p, nil
}

// init lays out the initial giant free block and the terminal sentinel,
// then seeds the free index by running the giant block through addFree.
func (p *Pool) init(hdrOverhead int) {
	firstOff := uint32(hdrOverhead)
	sentSize := sentinelSize(p.cfg.Alignment)
	bodySize := p.totalSize - firstOff - sentSize

	b := p.blockAt(firstOff)
	p.setHeader(b, sizeWord(bodySize))
	p.setUsed(b, false)
	p.setPrevUsed(b, true) // no physical predecessor: treat as used

	sentinel := p.blockAt(firstOff + bodySize)
	p.setHeader(sentinel, sizeWord(sentSize))
	p.setUsed(sentinel, true)
	p.setPrevUsed(sentinel, false) // its predecessor is the free giant block

	p.addFree(b)

	p.writeWord(0, uint32(p.totalSize))
}

// Cleanup releases the pool's logical claim on its region. It does not
// free the region (the caller owns it); in a debug build it zeroes the
// region so a stray pointer into it reads as zeroes rather than
// plausible old data.
func (p *Pool) Cleanup() {
	p.debugCleanup()
	p.mem = nil
}

func roundUpTo(n, align int) int   { return (n + align - 1) &^ (align - 1) }
func roundDownTo(n, align int) int { return n &^ (align - 1) }

func roundUpU32(n uint32, align int) uint32 {
	a := uint32(align)
	return (n + a - 1) &^ (a - 1)
}

// offsetOf converts a caller-visible pointer into this pool's region back
// into an arena offset. The pointer must originate from this pool.
func (p *Pool) offsetOf(ptr unsafe.Pointer) uint32 {
	return uint32(uintptr(ptr) - uintptr(unsafe.Pointer(&p.mem[0])))
}

func (p *Pool) ptrAt(off uint32) unsafe.Pointer {
	return unsafe.Pointer(&p.mem[off])
}

// payload returns the caller-visible pointer for a used block.
func (p *Pool) payload(b block) unsafe.Pointer {
	return p.ptrAt(p.bodyOffset(b))
}

// blockFromPayload recovers the block header for a caller-visible
// pointer previously returned by Malloc/Calloc/Realloc/Permalloc.
func (p *Pool) blockFromPayload(ptr unsafe.Pointer) block {
	off := p.offsetOf(ptr) - uint32(p.headerSize)
	return p.blockAt(off)
}

// allocSize computes the total block size (header included) needed to
// satisfy a payload request of n bytes, rounded up to alignment and
// floored at the configured minimum block size.
func (p *Pool) allocSize(n int) uint32 {
	if n < 0 {
		n = 0
	}
	if uint64(n)+uint64(p.headerSize) > uint64(p.totalSize) {
		// larger than the whole pool: return a size no block can match
		// instead of letting the uint32 conversion below wrap around
		return ^uint32(0) &^ uint32(p.cfg.Alignment-1)
	}
	need := roundUpU32(uint32(n)+uint32(p.headerSize), p.cfg.Alignment)
	if need < uint32(p.cfg.MinBlockSize) {
		need = uint32(p.cfg.MinBlockSize)
	}
	return need
}

// Malloc returns a pointer to at least n usable bytes, or nil if the pool
// cannot satisfy the request. Never panics on OOM; the caller is expected
// to treat nil as ordinary out-of-memory.
func (p *Pool) Malloc(n int) unsafe.Pointer {
	need := p.allocSize(n)
	t := p.findFit(need)
	if t.isNull() {
		return nil
	}
	p.removeFree(t)
	p.splitForUse(t, need)
	p.profileSnapshot()
	return p.payload(t)
}

// splitForUse carves t down to exactly need bytes (header included) if
// the remainder would still be a valid block, re-inserting the remainder
// into the free index; otherwise t is handed over whole. Either way t is
// marked used and the physical successor's PREV_USED is brought in sync.
func (p *Pool) splitForUse(t block, need uint32) {
	r := p.split(t, need)
	if !r.isNull() {
		p.setPrevUsed(r, true)
		p.addFree(r)
	} else {
		p.setPrevUsed(p.physNext(t), true)
	}
	p.setUsed(t, true)
}

// split shrinks b to want bytes and returns the remainder block, or the
// zero block if the leftover would be smaller than the minimum block
// size (in which case b is left untouched and the whole block is used).
// The caller owns marking the remainder's used/free flags and re-adding
// it to the free index; split only repositions headers.
func (p *Pool) split(b block, want uint32) block {
	total := p.blockSize(b)
	if total < want+uint32(p.cfg.MinBlockSize) {
		return block{}
	}
	remSize := total - want
	p.setBlockSize(b, want) // withSize preserves flags
	r := p.blockAt(b.off + want)
	p.setHeader(r, sizeWord(remSize))
	return r
}

// merge absorbs next into b; next ceases to exist as a distinct block.
// Only valid when b and next are physically adjacent and both free (or
// about to become free) blocks.
func (p *Pool) merge(b, next block) {
	p.setBlockSize(b, p.blockSize(b)+p.blockSize(next))
}

// Free releases the block that ptr points into, coalescing with free
// physical neighbours. A nil ptr is a no-op. Freeing a pointer the pool
// did not produce, or double-freeing, is undefined behaviour in the
// release build and is flagged via LastError in the tlsfdebug build
// without mutating the pool.
func (p *Pool) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	t := p.blockFromPayload(ptr)
	if p.debugRejectInvalidFree(t) {
		return
	}

	n := p.physNext(t)
	if !p.isUsed(n) {
		p.removeFree(n)
		p.merge(t, n)
	} else {
		p.setPrevUsed(n, false)
	}

	if !p.isPrevUsed(t) {
		prev := p.backPointerBefore(t)
		p.removeFree(prev)
		p.merge(prev, t)
		t = prev
	}

	p.addFree(t)
	p.profileSnapshot()
}

// Calloc allocates space for nmemb elements of size bytes each and zeroes
// the payload. Returns nil on overflow in nmemb*size or on OOM.
func (p *Pool) Calloc(nmemb, size int) unsafe.Pointer {
	if nmemb < 0 || size < 0 {
		return nil
	}
	if nmemb != 0 && size > (1<<62)/nmemb {
		return nil // would overflow
	}
	total := nmemb * size
	ptr := p.Malloc(total)
	if ptr == nil {
		return nil
	}
	buf := unsafe.Slice((*byte)(ptr), total)
	for i := range buf {
		buf[i] = 0
	}
	return ptr
}

// Realloc resizes the allocation at ptr to n bytes, preserving
// min(old, n) bytes of content. A nil ptr behaves like Malloc(n). A
// non-nil return may or may not equal ptr; on failure Realloc returns nil
// and leaves the original allocation untouched.
func (p *Pool) Realloc(ptr unsafe.Pointer, n int) unsafe.Pointer {
	if ptr == nil {
		return p.Malloc(n)
	}
	t := p.blockFromPayload(ptr)
	if p.debugRejectInvalidFree(t) {
		return nil
	}
	need := p.allocSize(n)
	cur := p.blockSize(t)

	if need > cur {
		next := p.physNext(t)
		if !p.isUsed(next) && cur+p.blockSize(next) >= need {
			p.removeFree(next)
			p.merge(t, next)
			cur = p.blockSize(t)
		} else {
			q := p.Malloc(n)
			if q == nil {
				return nil
			}
			oldPayload := cur - uint32(p.headerSize)
			copyLen := oldPayload
			if uint32(n) < copyLen {
				copyLen = uint32(n)
			}
			copy(unsafe.Slice((*byte)(q), copyLen), unsafe.Slice((*byte)(ptr), copyLen))
			p.Free(ptr)
			return q
		}
	}

	r := p.split(t, need)
	if r.isNull() {
		p.setPrevUsed(p.physNext(t), true)
		p.setUsed(t, true)
		p.profileSnapshot()
		return p.payload(t)
	}
	next := p.physNext(r)
	if !p.isUsed(next) {
		p.removeFree(next)
		p.merge(r, next)
	} else {
		p.setPrevUsed(next, false)
	}
	p.setPrevUsed(r, true)
	p.setUsed(t, true)
	p.addFree(r)
	p.profileSnapshot()
	return p.payload(t)
}

// Permalloc allocates n bytes from the pool's physical tail. The result
// is a used block placed between the tail free block and the sentinel;
// because it stays marked used, a neighbour's Free never merges it. Free
// and Realloc reject it only in the tlsfdebug build. Statistics counts it
// like any other used block, so it does take part in the used total, the
// live-allocation count and the fragmentation count. Falls back to an
// ordinary Malloc when the tail block is used or too small.
func (p *Pool) Permalloc(n int) unsafe.Pointer {
	need := p.allocSize(n)

	prev, ok := p.lastRealBlock()
	if !ok || p.isUsed(prev) || p.blockSize(prev) < need {
		return p.Malloc(n)
	}
	p.removeFree(prev)

	freeRoom := p.blockSize(prev) - need

	if freeRoom <= uint32(p.cfg.MinBlockSize) {
		// Not enough slack left over to carve a valid free remainder
		// alongside a reconstructed sentinel: rather than discard that
		// slack, fold it into the permanent block by granting prev its
		// *entire* current size instead of just `need`, and reconstruct
		// the sentinel at the same tail offset it already occupies. Only
		// the flags change; no bytes move.
		origSize := p.blockSize(prev)
		p.setUsed(prev, true)
		ns := p.blockAt(prev.off + origSize)
		p.setUsed(ns, true)
		p.setPrevUsed(ns, true)
		p.markPermalloc(prev.off)
		p.profileSnapshot()
		return p.payload(prev)
	}

	// Shrink prev by need bytes and carve the new permanent block from its
	// end; the sentinel is rewritten at its fixed offset and does not move,
	// so the permanent block sits between the shrunken prev and it.
	p.setBlockSize(prev, freeRoom)
	newBlockOff := prev.off + freeRoom
	nb := p.blockAt(newBlockOff)
	p.setHeader(nb, sizeWord(need))
	p.setUsed(nb, true)
	p.setPrevUsed(nb, false)

	newSentinelOff := newBlockOff + need
	ns := p.blockAt(newSentinelOff)
	p.setHeader(ns, sizeWord(sentinelSize(p.cfg.Alignment)))
	p.setUsed(ns, true)
	p.setPrevUsed(ns, true)

	p.addFree(prev)
	p.markPermalloc(nb.off)
	p.profileSnapshot()

	return p.payload(nb)
}

// lastRealBlock walks the physical chain to the block whose successor is
// the sentinel.
func (p *Pool) lastRealBlock() (block, bool) {
	hdrOverhead := poolHeaderOverhead(p.cfg.Alignment)
	cur := p.blockAt(uint32(hdrOverhead))
	sentinelOff := p.totalSize - sentinelSize(p.cfg.Alignment)
	if cur.off == sentinelOff {
		return block{}, false
	}
	for {
		next := p.physNext(cur)
		if next.off == sentinelOff {
			return cur, true
		}
		cur = next
	}
}

// UsableSize returns the number of bytes available in the allocation
// ptr points into: always >= the size originally requested, possibly
// larger due to rounding.
func (p *Pool) UsableSize(ptr unsafe.Pointer) int {
	if ptr == nil {
		return 0
	}
	t := p.blockFromPayload(ptr)
	return int(p.blockSize(t)) - p.headerSize
}

// debugCleanup, debugRejectInvalidFree, markPermalloc, and
// debugVerifyChecksum are provided per build tag in debug_check.go
// (tlsfdebug) and debug_check_stub.go (!tlsfdebug). Statistics, profiling,
// SanityCheck and the Print* helpers above in debug.go are not tag-gated:
// only invalid-argument detection on free/realloc is debug-only, so the
// rest stays available in every build.
