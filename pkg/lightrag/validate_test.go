package lightrag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFile(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		size     int64
		wantErr  string
	}{
		{name: "pdf 50KB", filename: "lecture.pdf", size: 50 * 1024},
		{name: "uppercase extension", filename: "NOTES.DOCX", size: 1024},
		{name: "exactly 2MB", filename: "a.md", size: MaxFileSize},
		{name: "oversized", filename: "big.pdf", size: 3 * 1024 * 1024, wantErr: "2MB"},
		{name: "too small", filename: "tiny.txt", size: 99, wantErr: "too small"},
		{name: "empty", filename: "empty.txt", size: 0, wantErr: "empty"},
		{name: "bad extension", filename: "virus.exe", size: 1024, wantErr: "unsupported"},
		{name: "no name", filename: "  ", size: 1024, wantErr: "required"},
		{name: "long name", filename: strings.Repeat("a", 252) + ".pdf", size: 1024, wantErr: "255"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFile(tc.filename, tc.size)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
