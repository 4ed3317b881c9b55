package stream

// ObjectScanner extracts complete top-level JSON objects from a byte
// stream. Upstream frames are line-delimited, but a single object can be
// split across reads (or, rarely, span lines inside a string), so the
// scanner tracks brace depth and string state instead of trusting
// newlines. Bytes outside an object (separators, blank lines) are
// discarded.
type ObjectScanner struct {
	buf      []byte
	depth    int
	inString bool
	escaped  bool
	start    int // index of the current object's opening brace
	pos      int // next unscanned index in buf
	active   bool
}

// Feed appends bytes and returns every complete object they closed.
// Returned slices are copies and stay valid after the next Feed.
func (s *ObjectScanner) Feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var objects [][]byte
	for ; s.pos < len(s.buf); s.pos++ {
		c := s.buf[s.pos]

		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			if s.active {
				s.inString = true
			}
		case '{':
			if !s.active {
				s.active = true
				s.start = s.pos
			}
			s.depth++
		case '}':
			if !s.active {
				continue
			}
			s.depth--
			if s.depth == 0 {
				obj := append([]byte(nil), s.buf[s.start:s.pos+1]...)
				objects = append(objects, obj)
				s.active = false
			}
		}
	}

	// Compact: everything before the current object (or before pos when
	// idle) is finished with.
	keepFrom := s.pos
	if s.active {
		keepFrom = s.start
	}
	if keepFrom > 0 {
		s.buf = append(s.buf[:0], s.buf[keepFrom:]...)
		s.pos -= keepFrom
		s.start -= keepFrom
	}

	return objects
}

// Pending reports whether a partially-read object is buffered.
func (s *ObjectScanner) Pending() bool {
	return s.active
}
