package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is an inclusive span of a resource
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in the span
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value for a resource of size bytes
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange interprets a Range header against a resource of size bytes.
// partial is false when the whole resource should be served: no header, a
// unit other than bytes, or a syntactically broken value. Open-ended ranges
// are capped at chunk bytes. Only the first range of a multi-range request is
// honoured.
func ParseRange(header string, size, chunk int64) (r ByteRange, partial bool, err error) {
	full := ByteRange{Start: 0, End: size - 1}

	header = strings.TrimSpace(header)
	if header == "" {
		return full, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return full, false, nil
	}
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return full, false, nil
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if size <= 0 {
		return ByteRange{}, false, ErrRangeNotSatisfiable
	}

	if first == "" {
		// suffix: last n bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return full, false, nil
		}
		if n == 0 {
			return ByteRange{}, false, ErrRangeNotSatisfiable
		}
		return ByteRange{Start: max(0, size-n), End: size - 1}, true, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return full, false, nil
	}
	if start >= size {
		return ByteRange{}, false, ErrRangeNotSatisfiable
	}

	if last == "" {
		end := size - 1
		if chunk > 0 {
			end = min(end, start+chunk-1)
		}
		return ByteRange{Start: start, End: end}, true, nil
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < 0 {
		return full, false, nil
	}
	if end < start {
		return ByteRange{}, false, ErrRangeNotSatisfiable
	}
	return ByteRange{Start: start, End: min(end, size-1)}, true, nil
}
