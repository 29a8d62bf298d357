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
	"fmt"
	"unsafe"

	"github.com/tlsfgo/tlsfpool/bufiox"
	"github.com/tlsfgo/tlsfpool/container/ring"
	"github.com/tlsfgo/tlsfpool/internal/hack"
)

// Sanity-check bitmask bits. A healthy pool returns 0.
const (
	SanityMisalignedSize      = 0x01
	SanitySizeTooLarge        = 0x02
	SanityPhysNextOutOfBounds = 0x04
	SanityPrevUsedStale       = 0x08 // predecessor used, PREV_USED says free
	SanityPrevFreeStale       = 0x10 // predecessor free, PREV_USED says used

	// sanityChecksumMismatch flags that the in-region total_size header
	// word no longer hashes to the baseline recorded by the first
	// SanityCheck, a debug-build-only checksum. Never set in a release
	// build, which never maintains a checksum to compare against.
	sanityChecksumMismatch = 0x20
)

// Stats is the result of a Statistics walk: totals and a fragmentation
// proxy (the number of used<->free transitions along the physical chain).
type Stats struct {
	Used            uint32
	Free            uint32
	Fragmentation   int
	LiveAllocations int
}

// Statistics performs one linear walk of the physical chain, totaling
// used and free bytes (sentinel included in Used) and counting
// used/free transitions as a fragmentation proxy.
func (p *Pool) Statistics() Stats {
	var st Stats
	prevUsed := true
	first := true // the first block has no predecessor: no transition counted

	p.walk(func(b block) {
		size := p.blockSize(b)
		used := p.isUsed(b)
		if used {
			st.Used += size
			if b.off != p.sentinelOffset() {
				st.LiveAllocations++
			}
		} else {
			st.Free += size
		}
		if !first && used != prevUsed {
			st.Fragmentation++
		}
		prevUsed = used
		first = false
	})
	return st
}

func (p *Pool) sentinelOffset() uint32 {
	return p.totalSize - sentinelSize(p.cfg.Alignment)
}

// walk invokes f on every block from the pool body through the sentinel,
// inclusive, in physical order.
func (p *Pool) walk(f func(b block)) {
	off := uint32(poolHeaderOverhead(p.cfg.Alignment))
	end := p.totalSize
	for off < end {
		b := p.blockAt(off)
		f(b)
		off += p.blockSize(b)
	}
}

// ProfileSnapshot is one entry of the profiling history ring: the pool's
// used-byte total at the moment of a malloc/free/realloc/calloc/permalloc
// call made while profiling is active.
type ProfileSnapshot struct {
	Used uint32
}

// profileState tracks the optional start/stop profiling window. It lives
// unconditionally on Pool (the bookkeeping is pure Go state, not pool-
// resident bytes, so there is no header-layout cost to carrying it in a
// release build).
type profileState struct {
	active  bool
	min     uint32
	max     uint32
	initial uint32
	history *ring.Ring[ProfileSnapshot]
}

const defaultProfileHistory = 32

// StartProfiling begins a profiling window: it captures the current
// used-byte total as min, max and initial, and every subsequent malloc/
// free/realloc/calloc/permalloc call appends a snapshot of the used-byte
// total to a bounded history ring. Those later calls do not update the
// stored min/max (see profileSnapshot).
func (p *Pool) StartProfiling() {
	used := p.Statistics().Used
	p.profile = profileState{
		active:  true,
		min:     used,
		max:     used,
		initial: used,
		history: ring.NewFromSlice(make([]ProfileSnapshot, defaultProfileHistory)),
	}
	p.recordSnapshot(used)
}

// StopProfiling ends the profiling window. The last computed min/max and
// history remain readable until the next StartProfiling.
func (p *Pool) StopProfiling() {
	p.profile.active = false
}

// profileSnapshot is called by every mutating operation while profiling
// is active. It deliberately works on a *local copy* of the profile
// state rather than the pool's own field, so the running min/max updates
// below never reach p.profile; only the history ring is persisted. See
// DESIGN.md and TestProfilingLocalCopyQuirk.
func (p *Pool) profileSnapshot() {
	if !p.profile.active {
		return
	}
	local := p.profile
	used := p.Statistics().Used
	if used < local.min {
		local.min = used
	}
	if used > local.max {
		local.max = used
	}
	// local is a copy: min/max updates above are intentionally NOT
	// written back to p.profile here, only the history ring is (see
	// recordSnapshot).
	p.recordSnapshot(used)
}

func (p *Pool) recordSnapshot(used uint32) {
	if p.profile.history == nil {
		return
	}
	// shift every existing entry one slot toward the tail first, using
	// only values that predate this call, then write the new sample into
	// index 0: writing the head before shifting would duplicate it into
	// index 1 on the very next call.
	n := p.profile.history.Len()
	for i := n - 1; i > 0; i-- {
		cur, _ := p.profile.history.Get(i)
		prev, _ := p.profile.history.Get(i - 1)
		*cur.Pointer() = prev.Value()
	}
	head := p.profile.history.Head()
	if head == nil {
		return
	}
	*head.Pointer() = ProfileSnapshot{Used: used}
}

// ProfileHistory returns the bounded history of used-byte snapshots
// collected since the last StartProfiling, most recent first.
func (p *Pool) ProfileHistory() []ProfileSnapshot {
	if p.profile.history == nil {
		return nil
	}
	out := make([]ProfileSnapshot, p.profile.history.Len())
	for i := 0; i < p.profile.history.Len(); i++ {
		item, _ := p.profile.history.Get(i)
		out[i] = item.Value()
	}
	return out
}

// ProfileMinMax returns the min/max of used bytes and the initial value,
// all three as captured by the last StartProfiling; snapshots taken after
// that call do not change them.
func (p *Pool) ProfileMinMax() (min, max, initial uint32) {
	return p.profile.min, p.profile.max, p.profile.initial
}

// LastError returns the most recent invalid-argument diagnostic recorded
// by the tlsfdebug build, or "" if none occurred. Always "" in a release
// build: these conditions are only detected when debug checks are enabled.
func (p *Pool) LastError() string { return p.lastError }

// SanityCheck performs one linear walk of the physical chain and returns
// a bitmask of structural errors, 0 meaning healthy.
func (p *Pool) SanityCheck() int {
	if p.mem == nil || p.totalSize == 0 {
		return SanityMisalignedSize
	}
	var flags int
	prevUsed := true
	off := uint32(poolHeaderOverhead(p.cfg.Alignment))
	for off < p.totalSize {
		b := p.blockAt(off)
		size := p.blockSize(b)
		if size%uint32(p.cfg.Alignment) != 0 {
			flags |= SanityMisalignedSize
		}
		if size == 0 || size > p.totalSize {
			flags |= SanitySizeTooLarge
			break
		}
		next := off + size
		if next > p.totalSize {
			flags |= SanityPhysNextOutOfBounds
			break
		}
		wantPrevUsed := prevUsed
		if p.isPrevUsed(b) != wantPrevUsed {
			if wantPrevUsed {
				flags |= SanityPrevUsedStale
			} else {
				flags |= SanityPrevFreeStale
			}
		}
		prevUsed = p.isUsed(b)
		off = next
	}
	flags |= p.debugVerifyChecksum()
	return flags
}

// PrintPoolHeader writes a human-readable summary of the pool header and
// index bitmaps to w.
func (p *Pool) PrintPoolHeader(w bufiox.Writer) error {
	st := p.Statistics()
	line := fmt.Sprintf(
		"tlsf pool: total=%d used=%d free=%d frag=%d fli_bitmap=%#x alignment=%d address_width=%v\n",
		p.totalSize, st.Used, st.Free, st.Fragmentation, p.free.fliBitmap, p.cfg.Alignment, p.cfg.AddressWidth,
	)
	if _, err := w.WriteBinary(hack.StringToByteSlice(line)); err != nil {
		return err
	}
	return w.Flush()
}

// PrintMemoryBlock writes a human-readable description of the block ptr
// points into to w.
func (p *Pool) PrintMemoryBlock(w bufiox.Writer, ptr unsafe.Pointer) error {
	if ptr == nil {
		_, err := w.WriteBinary([]byte("tlsf block: <nil>\n"))
		if err != nil {
			return err
		}
		return w.Flush()
	}
	b := p.blockFromPayload(ptr)
	line := fmt.Sprintf(
		"tlsf block: offset=%d size=%d used=%v prev_used=%v usable=%d\n",
		b.off, p.blockSize(b), p.isUsed(b), p.isPrevUsed(b), p.UsableSize(ptr),
	)
	if _, err := w.WriteBinary(hack.StringToByteSlice(line)); err != nil {
		return err
	}
	return w.Flush()
}
