package progress

import (
	"errors"
	"io"
)

// Reader wraps an io.Reader and reports cumulative bytes read through a
// callback every interval bytes and once more at EOF.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)

	totalRead  int64
	sinceLast  int64
	interval   int64
	reportedAt int64
}

func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		interval:   interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.sinceLast += int64(n)

		if pr.sinceLast >= pr.interval {
			pr.report()
		}
	}

	if errors.Is(err, io.EOF) && pr.reportedAt != pr.totalRead {
		pr.report()
	}

	return n, err
}

func (pr *Reader) report() {
	pr.sinceLast = 0
	pr.reportedAt = pr.totalRead

	if pr.OnProgress != nil {
		pr.OnProgress(pr.totalRead, pr.Total)
	}
}
