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

import "errors"

// Construction-time errors. These are the only errors the package returns
// as a Go error value: once a Pool is built, malloc/free/calloc/realloc/
// permalloc report failure in-band (nil, a bitmask, or LastError) and never
// return an error or panic on caller misuse.
var (
	// ErrRegionTooSmall is returned when the backing region cannot hold a
	// pool header, one free block, and the sentinel.
	ErrRegionTooSmall = errors.New("tlsf: region too small for pool header, one block, and sentinel")

	// ErrRegionMisaligned is returned when the region's start address is
	// not a multiple of the configured alignment.
	ErrRegionMisaligned = errors.New("tlsf: region pointer is not aligned")

	// ErrAddressWidthOverflow is returned when region_size cannot be
	// represented in the configured address width's size word.
	ErrAddressWidthOverflow = errors.New("tlsf: region size exceeds configured address width")

	// ErrInvalidConfig is returned by Config.validate for out-of-range
	// knob combinations (alignment, FLI/SLI width, minimum block size).
	ErrInvalidConfig = errors.New("tlsf: invalid configuration")
)
