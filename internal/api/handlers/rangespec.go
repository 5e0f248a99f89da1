package handlers

import (
	"errors"
	"strconv"
	"strings"
)

// Range header handling for the preview endpoint.
//
// Grammar: bytes=SPEC(,SPEC)* where a spec is "start-end", "start-" (to end
// of resource) or "-suffix" (last suffix bytes). Only the first valid,
// satisfiable spec is honoured; everything else yields 416.

var (
	errRangeSyntax        = errors.New("malformed Range header")
	errRangeUnsatisfiable = errors.New("requested range not satisfiable")
)

// byteRange is an inclusive byte interval within a resource.
type byteRange struct {
	start, end int64
}

func (r byteRange) length() int64 { return r.end - r.start + 1 }

// parseRange resolves a Range header against a resource of the given size.
func parseRange(header string, size int64) (byteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, errRangeSyntax
	}

	specs := strings.Split(header[len(prefix):], ",")
	sawSpec := false
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		sawSpec = true

		r, err := parseSpec(spec, size)
		if err != nil {
			continue
		}
		return r, nil
	}

	if !sawSpec {
		return byteRange{}, errRangeSyntax
	}
	return byteRange{}, errRangeUnsatisfiable
}

// parseSpec resolves one range spec, rejecting both syntax errors and
// unsatisfiable intervals.
func parseSpec(spec string, size int64) (byteRange, error) {
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return byteRange{}, errRangeSyntax
	}

	startPart := spec[:dash]
	endPart := spec[dash+1:]

	// "-suffix": the last suffix bytes. "-0" is unsatisfiable.
	if startPart == "" {
		suffix, err := strconv.ParseInt(endPart, 10, 64)
		if err != nil || suffix <= 0 {
			return byteRange{}, errRangeUnsatisfiable
		}
		if suffix > size {
			suffix = size
		}
		return byteRange{start: size - suffix, end: size - 1}, nil
	}

	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, errRangeSyntax
	}
	if start >= size {
		return byteRange{}, errRangeUnsatisfiable
	}

	// "start-": to end of resource.
	if endPart == "" {
		return byteRange{start: start, end: size - 1}, nil
	}

	end, err := strconv.ParseInt(endPart, 10, 64)
	if err != nil || end < start {
		return byteRange{}, errRangeSyntax
	}
	if end >= size {
		end = size - 1
	}
	return byteRange{start: start, end: end}, nil
}
