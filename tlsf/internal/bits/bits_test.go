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

package bits

import "testing"

func TestNLZ16Defined(t *testing.T) {
	cases := []struct {
		in   uint16
		want int
	}{
		{0, 16},
		{1, 15},
		{0x8000, 0},
		{0x00FF, 8},
	}
	for _, c := range cases {
		if got := NLZ16(c.in); got != c.want {
			t.Errorf("NLZ16(%#x) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestLSB32DefinedForZero(t *testing.T) {
	if got := LSB32(0); got != -1 {
		t.Errorf("LSB32(0) = %d, want -1", got)
	}
	if got := LSB32(0x10); got != 4 {
		t.Errorf("LSB32(0x10) = %d, want 4", got)
	}
}

func TestLSB8DefinedForZero(t *testing.T) {
	if got := LSB8(0); got != -1 {
		t.Errorf("LSB8(0) = %d, want -1", got)
	}
	if got := LSB8(0x04); got != 2 {
		t.Errorf("LSB8(0x04) = %d, want 2", got)
	}
}
