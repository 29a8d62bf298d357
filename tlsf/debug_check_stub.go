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

//go:build !tlsfdebug

package tlsf

// debugRejectInvalidFree is a no-op outside the tlsfdebug build: invalid
// frees are undefined behaviour here, left undetected for speed.
func (p *Pool) debugRejectInvalidFree(t block) bool { return false }

// markPermalloc is a no-op outside the tlsfdebug build; nothing ever
// consults permaBlocks in a release build.
func (p *Pool) markPermalloc(off uint32) {}

// debugCleanup is a no-op outside the tlsfdebug build: Cleanup only
// releases the pool's logical claim on the region, never touching bytes.
func (p *Pool) debugCleanup() {}

// debugVerifyChecksum always reports healthy outside the tlsfdebug build.
func (p *Pool) debugVerifyChecksum() int { return 0 }
