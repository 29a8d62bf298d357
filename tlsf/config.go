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

import "fmt"

// AddressWidth selects the width of the size word packed into every block
// header, and therefore the largest pool the allocator can address.
type AddressWidth int

const (
	// Address16 packs size+flags into a 16-bit word: pools up to 64KiB-1.
	Address16 AddressWidth = iota
	// Address24 packs size+flags into a 32-bit word, of which 24 bits are
	// usable address range: pools up to 16MiB.
	Address24
)

func (w AddressWidth) String() string {
	switch w {
	case Address16:
		return "Address16"
	case Address24:
		return "Address24"
	default:
		return fmt.Sprintf("AddressWidth(%d)", int(w))
	}
}

// maxRegionSize returns the largest region_size representable in this
// address width's size word, after the two flag bits are carved out.
func (w AddressWidth) maxRegionSize() uint64 {
	switch w {
	case Address16:
		return 1<<16 - 1
	case Address24:
		return 1<<24 - 1
	default:
		return 0
	}
}

// Config holds the allocator's compile-time knobs (alignment, address
// width, first/second-level index widths, ignored low size bits, and
// minimum block size), realized in Go as a struct validated once at
// pool-construction time rather than as preprocessor switches.
type Config struct {
	// Alignment is the block/size-word granularity in bytes: 4 or 8.
	Alignment int
	// AddressWidth selects the 16- or 32-bit size word.
	AddressWidth AddressWidth
	// FLIWidth is the number of first-level (major) size-class rows.
	FLIWidth int
	// SLIWidth is log2 of the number of second-level (minor) columns
	// per row: each row has 1<<SLIWidth buckets.
	SLIWidth int
	// IgnoreLSBs is the number of low size bits folded away before
	// bucket classification, compressing precision for tiny blocks.
	IgnoreLSBs int
	// MinBlockSize floors every block (used or free) at this many bytes.
	// Zero means "use the default for this configuration"
	// (max(1<<IgnoreLSBs, sizeof(free block body))).
	MinBlockSize int
}

// DefaultConfig returns a general-purpose configuration: 8-byte
// alignment, 24-bit addressing, a 9-row first-level index, 3-bit
// second-level index, and 4 ignored low size bits.
func DefaultConfig() Config {
	return Config{
		Alignment:    8,
		AddressWidth: Address24,
		FLIWidth:     9,
		SLIWidth:     3,
		IgnoreLSBs:   4,
	}
}

// validate checks the knob combination for internal consistency and fills
// in MinBlockSize when left at zero. It is the one place construction can
// fail loudly with a Go error, since it runs before any byte of the region
// has been touched.
func (c *Config) validate() error {
	if c.Alignment != 4 && c.Alignment != 8 {
		return fmt.Errorf("%w: alignment must be 4 or 8, got %d", ErrInvalidConfig, c.Alignment)
	}
	if c.AddressWidth != Address16 && c.AddressWidth != Address24 {
		return fmt.Errorf("%w: unknown address width %v", ErrInvalidConfig, c.AddressWidth)
	}
	if c.FLIWidth < 1 || c.FLIWidth > 16 {
		// the size-class mapping classifies rows with a 16-bit leading-zero
		// count (nlz16), so FLIWidth beyond 16 cannot be represented.
		return fmt.Errorf("%w: FLIWidth out of range: %d", ErrInvalidConfig, c.FLIWidth)
	}
	if c.FLIWidth+c.SLIWidth+c.IgnoreLSBs > 16 {
		return fmt.Errorf("%w: FLIWidth+SLIWidth+IgnoreLSBs must not exceed 16, got %d", ErrInvalidConfig, c.FLIWidth+c.SLIWidth+c.IgnoreLSBs)
	}
	if c.SLIWidth < 1 || c.SLIWidth > 5 {
		// each row's second-level bitmap is a uint32: at most 32 columns
		return fmt.Errorf("%w: SLIWidth out of range: %d", ErrInvalidConfig, c.SLIWidth)
	}
	if c.IgnoreLSBs < 0 || c.IgnoreLSBs > 16 {
		return fmt.Errorf("%w: IgnoreLSBs out of range: %d", ErrInvalidConfig, c.IgnoreLSBs)
	}

	freeBodyMin := freeBlockBodySize(c.Alignment)
	floor := 1 << uint(c.IgnoreLSBs)
	if floor < freeBodyMin {
		floor = freeBodyMin
	}
	if c.MinBlockSize == 0 {
		c.MinBlockSize = floor
	} else if c.MinBlockSize < freeBodyMin {
		return fmt.Errorf("%w: MinBlockSize %d smaller than free-block body size %d", ErrInvalidConfig, c.MinBlockSize, freeBodyMin)
	}
	if c.MinBlockSize%c.Alignment != 0 {
		return fmt.Errorf("%w: MinBlockSize %d not a multiple of alignment %d", ErrInvalidConfig, c.MinBlockSize, c.Alignment)
	}
	return nil
}

// freeBlockBodySize is the minimum payload a free block must carry: two
// bucket-list links plus the last-word back-pointer.
func freeBlockBodySize(alignment int) int {
	size := 3 * wordSize
	if size < alignment {
		size = alignment
	}
	return roundUpTo(size, alignment)
}
