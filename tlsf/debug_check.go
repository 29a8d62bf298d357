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

//go:build tlsfdebug

package tlsf

import "github.com/tlsfgo/tlsfpool/hash/xfnv"

// debugRejectInvalidFree catches invalid Free/Realloc arguments: a
// pointer into a permalloc'd block, or a pointer to a block already
// marked free (a double free), is rejected without mutating the pool.
// Both classes are undefined behaviour in a release build; here they are
// caught and surfaced through LastError.
func (p *Pool) debugRejectInvalidFree(t block) bool {
	if t.off < uint32(poolHeaderOverhead(p.cfg.Alignment)) || t.off >= p.sentinelOffset() {
		p.lastError = "tlsf: free of out-of-range pointer"
		return true
	}
	if _, ok := p.permaBlocks[t.off]; ok {
		p.lastError = "tlsf: free of a permalloc'd block"
		return true
	}
	if !p.isUsed(t) {
		p.lastError = "tlsf: double free"
		return true
	}
	return false
}

// markPermalloc records that the block at off was handed out by Permalloc,
// so a later Free/Realloc against it can be rejected by
// debugRejectInvalidFree above.
func (p *Pool) markPermalloc(off uint32) {
	if p.permaBlocks == nil {
		p.permaBlocks = make(map[uint32]struct{})
	}
	p.permaBlocks[off] = struct{}{}
}

// debugCleanup zeroes the region on Cleanup so a stray pointer retained
// past the pool's lifetime reads as zero rather than plausible old data.
func (p *Pool) debugCleanup() {
	for i := range p.mem {
		p.mem[i] = 0
	}
}

// debugVerifyChecksum hashes the pool-header bytes (the total_size word
// at the front of the region) and compares it against the baseline
// recorded by the first call, flagging drift. total_size is written exactly
// once, by init, so any later change can only be a stray write from
// outside the allocator's own bookkeeping.
func (p *Pool) debugVerifyChecksum() int {
	hdrOverhead := poolHeaderOverhead(p.cfg.Alignment)
	h := xfnv.Hash(p.mem[:hdrOverhead])
	if p.debugChecksum == 0 {
		p.debugChecksum = h
		return 0
	}
	if h != p.debugChecksum {
		return sanityChecksumMismatch
	}
	return 0
}
