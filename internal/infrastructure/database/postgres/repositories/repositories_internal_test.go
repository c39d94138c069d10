package repositories

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		page, size int
		limit      int
		offset     int
	}{
		{"first page defaults", 0, 0, defaultPageSize, 0},
		{"explicit first page", 1, 20, 20, 0},
		{"third page", 3, 25, 25, 50},
		{"negative page clamps to first", -4, 10, 10, 0},
		{"oversized page size clamps", 2, 10_000, maxPageSize, maxPageSize},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			limit, offset := normalizePage(tc.page, tc.size)
			assert.Equal(t, tc.limit, limit)
			assert.Equal(t, tc.offset, offset)
		})
	}
}
