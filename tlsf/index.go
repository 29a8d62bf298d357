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

import "github.com/tlsfgo/tlsfpool/tlsf/internal/bits"

// freeIndex is the two-level segregated free-block index: a first-level
// bitmap over size-class rows and, per row, a second-level bitmap over
// linear sub-columns, each (row, column) pair heading a doubly-linked
// free-block list. It is embedded directly in Pool rather than built as
// a separate heap-allocated structure, since it lives entirely inside the
// caller-supplied backing region's logical ownership (the bitmaps and
// bucket heads are plain Go fields, not pool-resident bytes, because they
// need no pointer stability guarantees the region itself would provide).
type freeIndex struct {
	fliWidth int
	sliWidth int
	ignore   int

	fliBitmap uint32   // bit i: row i has at least one free block
	sliBitmap []uint32 // per row, bit j: column j of that row is non-empty
	buckets   []uint32 // row*cols+col -> offset of list head, or nullOff
}

func newFreeIndex(c Config) freeIndex {
	rows := c.FLIWidth + 1
	cols := 1 << uint(c.SLIWidth)
	return freeIndex{
		fliWidth:  c.FLIWidth,
		sliWidth:  c.SLIWidth,
		ignore:    c.IgnoreLSBs,
		sliBitmap: make([]uint32, rows),
		buckets:   make([]uint32, rows*cols),
	}
}

func (fi *freeIndex) cols() int { return 1 << uint(fi.sliWidth) }

// mapping computes the (fli, sli) bucket coordinates for an aligned
// size; sizes whose top bit would overflow the configured FLI/SLI/IGNORE
// span are clamped into the top bucket.
func (fi *freeIndex) mapping(size uint32) (fli, sli int) {
	total := fi.fliWidth + fi.sliWidth + fi.ignore
	if total < 32 && (size>>uint(total)) != 0 {
		return fi.fliWidth, fi.cols() - 1
	}
	shifted := size >> uint(fi.sliWidth+fi.ignore)
	fli = 16 - bits.NLZ16(uint16(shifted))
	var shift int
	if fli == 0 {
		shift = fi.ignore
	} else {
		shift = fi.ignore - 1 + fli
	}
	sli = int((size >> uint(shift)) & uint32(fi.cols()-1))
	return fli, sli
}

func (fi *freeIndex) index(fli, sli int) int { return fli*fi.cols() + sli }

func (fi *freeIndex) bucketHead(fli, sli int) uint32 { return fi.buckets[fi.index(fli, sli)] }

func (fi *freeIndex) setBucketHead(fli, sli int, off uint32) {
	fi.buckets[fi.index(fli, sli)] = off
}

func (fi *freeIndex) setFLIBit(fli int)   { fi.fliBitmap |= 1 << uint(fli) }
func (fi *freeIndex) clearFLIBit(fli int) { fi.fliBitmap &^= 1 << uint(fli) }

func (fi *freeIndex) setSLIBit(fli, sli int)   { fi.sliBitmap[fli] |= 1 << uint(sli) }
func (fi *freeIndex) clearSLIBit(fli, sli int) { fi.sliBitmap[fli] &^= 1 << uint(sli) }

// addFree links b at the head of its size class's bucket list, stamps its
// back-pointer, and sets both bitmaps.
func (p *Pool) addFree(b block) {
	p.setUsed(b, false)
	p.setBackPointer(b)

	fli, sli := p.free.mapping(p.blockSize(b))
	head := p.blockAt(p.free.bucketHead(fli, sli))

	p.setPrevFree(b, block{off: nullOff})
	p.setNextFree(b, head)
	if !head.isNull() {
		p.setPrevFree(head, b)
	}
	p.free.setBucketHead(fli, sli, b.off)

	p.free.setSLIBit(fli, sli)
	p.free.setFLIBit(fli)
}

// removeFree unlinks b from its bucket list, clearing bitmaps when the
// list (or row) becomes empty.
func (p *Pool) removeFree(b block) {
	fli, sli := p.free.mapping(p.blockSize(b))
	p.removeFreeAt(b, fli, sli)
}

// removeFreeAt unlinks b given already-known bucket coordinates, for
// callers (removeFree) that just computed them.
func (p *Pool) removeFreeAt(b block, fli, sli int) {
	next := p.nextFree(b)
	prev := p.prevFree(b)

	if !prev.isNull() {
		p.setNextFree(prev, next)
	} else {
		p.free.setBucketHead(fli, sli, next.off)
	}
	if !next.isNull() {
		p.setPrevFree(next, prev)
	}

	if p.free.bucketHead(fli, sli) == nullOff {
		p.free.clearSLIBit(fli, sli)
		if p.free.sliBitmap[fli] == 0 {
			p.free.clearFLIBit(fli)
		}
	}
}

// findFit performs a constant-time lookup: try the exact bucket, then
// its immediate neighbour, then descend the bitmaps to the next
// non-empty bucket at or above the requested size class. Returns the
// zero block (isNull) if the pool has nothing big enough.
func (p *Pool) findFit(size uint32) block {
	fli, sli := p.free.mapping(size)

	if head := p.free.bucketHead(fli, sli); head != nullOff {
		if b := p.blockAt(head); p.blockSize(b) >= size {
			return b
		}
	}

	// hot-path shortcut: the very next bucket column (same row, or the
	// first column of the next row when sli was the last column) before
	// paying for a bitmap descent.
	nfli, nsli := fli, sli+1
	if nsli == p.free.cols() {
		nfli, nsli = fli+1, 0
	}
	if nfli <= p.free.fliWidth {
		if head := p.free.bucketHead(nfli, nsli); head != nullOff {
			return p.blockAt(head)
		}
	}

	// mask of columns strictly greater than sli in this row
	rowMask := p.free.sliBitmap[fli] &^ ((1 << uint(sli+1)) - 1)
	if rowMask != 0 {
		s := bits.LSB32(rowMask)
		if head := p.free.bucketHead(fli, s); head != nullOff {
			return p.blockAt(head)
		}
	}

	// mask of rows strictly greater than fli
	var rowsMask uint32
	if fli+1 < 32 {
		rowsMask = p.free.fliBitmap &^ ((1 << uint(fli+1)) - 1)
	}
	if rowsMask != 0 {
		f := bits.LSB32(rowsMask)
		s := bits.LSB32(p.free.sliBitmap[f])
		if s >= 0 {
			if head := p.free.bucketHead(f, s); head != nullOff {
				return p.blockAt(head)
			}
		}
	}

	// bounded first-fit fallback: walk the exact bucket's list, in case
	// the head (already checked above) was too small but a later member
	// is not — the list is sorted by recency, not size.
	for cur := p.blockAt(p.free.bucketHead(fli, sli)); !cur.isNull(); cur = p.nextFree(cur) {
		if p.blockSize(cur) >= size {
			return cur
		}
	}

	return block{off: nullOff}
}
