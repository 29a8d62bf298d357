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

import "encoding/binary"

// wordSize is the width, in bytes, of every header/link/back-pointer word
// in the pool. Free-list links and the back-pointer are always stored as
// plain uint32 arena offsets regardless of the configured AddressWidth:
// AddressWidth only gates the *logical* maximum region size a pool will
// accept (see AddressWidth.maxRegionSize), not the wire width used for
// internal bookkeeping. See DESIGN.md for why this differs from a literal
// 16-vs-32-bit packed header.
const wordSize = 4

const (
	flagThisUsed sizeWord = 1 << 0
	flagPrevUsed sizeWord = 1 << 1
	flagMask     sizeWord = flagThisUsed | flagPrevUsed
)

// sizeWord is the opaque, portable representation of a block header: the
// low two bits carry THIS_USED/PREV_USED, the remaining bits carry the
// block's total size (header included), rounded to the pool's alignment.
// It is deliberately a plain integer with accessor functions rather than
// a bit-field struct, so the encoding is endianness-independent and has
// no struct-layout surprises across platforms.
type sizeWord uint32

func (w sizeWord) size() uint32       { return uint32(w) &^ uint32(flagMask) }
func (w sizeWord) used() bool         { return w&flagThisUsed != 0 }
func (w sizeWord) prevUsed() bool     { return w&flagPrevUsed != 0 }
func (w sizeWord) withSize(s uint32) sizeWord {
	return sizeWord(s) | (w & flagMask)
}
func (w sizeWord) withUsed(v bool) sizeWord {
	if v {
		return w | flagThisUsed
	}
	return w &^ flagThisUsed
}
func (w sizeWord) withPrevUsed(v bool) sizeWord {
	if v {
		return w | flagPrevUsed
	}
	return w &^ flagPrevUsed
}

// nullOff marks the absence of a block in a free-list link. Offset 0 is
// never a valid block offset because the pool header always occupies the
// bytes preceding the first real block.
const nullOff uint32 = 0

// block is a handle to a header at a given offset into the pool's arena.
// It carries no data of its own; every accessor takes the owning *Pool so
// that block stays a cheap, copyable value, matching the offset-based,
// pointer-materialized-at-the-boundary design called for by a fixed
// backing region with no separate heap of header objects.
type block struct {
	off uint32
}

func (b block) isNull() bool { return b.off == nullOff }

func (p *Pool) blockAt(off uint32) block { return block{off: off} }

func (p *Pool) header(b block) sizeWord {
	return sizeWord(binary.LittleEndian.Uint32(p.mem[b.off:]))
}

func (p *Pool) setHeader(b block, w sizeWord) {
	binary.LittleEndian.PutUint32(p.mem[b.off:], uint32(w))
}

func (p *Pool) blockSize(b block) uint32 { return p.header(b).size() }

func (p *Pool) setBlockSize(b block, size uint32) {
	p.setHeader(b, p.header(b).withSize(size))
}

func (p *Pool) isUsed(b block) bool     { return p.header(b).used() }
func (p *Pool) isPrevUsed(b block) bool { return p.header(b).prevUsed() }

func (p *Pool) setUsed(b block, v bool) {
	p.setHeader(b, p.header(b).withUsed(v))
}

func (p *Pool) setPrevUsed(b block, v bool) {
	p.setHeader(b, p.header(b).withPrevUsed(v))
}

// bodyOffset returns the offset of the first payload byte of b: the
// caller-visible pointer for a used block, or the first free-list link
// word for a free one.
func (p *Pool) bodyOffset(b block) uint32 { return b.off + uint32(p.headerSize) }

// physNext returns the block physically adjacent after b.
func (p *Pool) physNext(b block) block {
	return block{off: b.off + p.blockSize(b)}
}

// readWord/writeWord access a raw uint32 at an arbitrary byte offset,
// used for free-list links and the last-word back-pointer.
func (p *Pool) readWord(off uint32) uint32 {
	return binary.LittleEndian.Uint32(p.mem[off:])
}

func (p *Pool) writeWord(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(p.mem[off:], v)
}

// Free-block body layout: [nextFree][prevFree]...payload...[backPointer]
// nextFree/prevFree sit at the head of the body so fixed-offset bucket
// splicing never depends on the block's size; the back-pointer sits in
// the body's last word so the physically-following block can recover it
// with no scan, by reading the word immediately before its own header.

func (p *Pool) nextFreeOff(b block) uint32 { return p.bodyOffset(b) }
func (p *Pool) prevFreeOff(b block) uint32 { return p.bodyOffset(b) + wordSize }

func (p *Pool) nextFree(b block) block { return block{off: p.readWord(p.nextFreeOff(b))} }
func (p *Pool) prevFree(b block) block { return block{off: p.readWord(p.prevFreeOff(b))} }

func (p *Pool) setNextFree(b, n block) { p.writeWord(p.nextFreeOff(b), n.off) }
func (p *Pool) setPrevFree(b, n block) { p.writeWord(p.prevFreeOff(b), n.off) }

// lastWordOff returns the offset of the last word of b's body, where the
// free-block back-pointer lives.
func (p *Pool) lastWordOff(b block) uint32 {
	return b.off + p.blockSize(b) - wordSize
}

// setBackPointer stamps b's own offset into the last word of its body.
// Must be called at add_free time and before any later operation that
// could shift the block's end (a split or merge changes where the last
// word lives).
func (p *Pool) setBackPointer(b block) {
	p.writeWord(p.lastWordOff(b), b.off)
}

// backPointerBefore reads the word immediately preceding t's own header,
// which is the last word of t's physical predecessor's body. It is only
// meaningful when PREV_USED(t) == false, i.e. the predecessor is free and
// therefore stamped its own offset there via setBackPointer.
func (p *Pool) backPointerBefore(t block) block {
	return block{off: p.readWord(t.off - wordSize)}
}
