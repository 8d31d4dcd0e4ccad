// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sizeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"0", 0},
		{"512", 512},
		{"512 B", 512},
		{"1 KiB", 1024},
		{"1.5 GiB", 1610612736},
		{"1.5GB", 1610612736},
		{"700 MB", 734003200},
		{"2 TiB", 2199023255552},
		{"1,024 MiB", 1073741824},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, s := range []string{"", "abc", "1.5 XB", "GiB"} {
		_, err := ParseSize(s)
		assert.Error(t, err, s)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.00 KiB", FormatBytes(1024))
	assert.Equal(t, "1.50 GiB", FormatBytes(1610612736))
}
