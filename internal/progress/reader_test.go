package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderReportsOnIntervalAndEOF(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 2500)

	var reports []int64

	r := NewReader(bytes.NewReader(data), int64(len(data)), 1000, func(read, total int64) {
		assert.Equal(t, int64(2500), total)

		reports = append(reports, read)
	})

	// iotest-style small reads so the interval triggers more than once.
	buf := make([]byte, 500)
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	assert.Equal(t, []int64{1000, 2000, 2500}, reports)
}

func TestReaderNoDuplicateFinalReport(t *testing.T) {
	var reports []int64

	r := NewReader(bytes.NewReader(make([]byte, 1000)), 1000, 1000, func(read, _ int64) {
		reports = append(reports, read)
	})

	_, err := io.Copy(io.Discard, r)
	require.NoError(t, err)

	assert.Equal(t, []int64{1000}, reports)
}
