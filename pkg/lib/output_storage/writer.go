package output_storage

// Write implements io.Writer for OutputStorage. It appends a copy of p,
// since io.Writer callers may reuse p after Write returns.
//
// Readers that own their buffers (see endpoint.Capture) call Append
// directly and skip the copy.
func (s *OutputStorage) Write(p []byte) (int, error) {
	if s == nil {
		return len(p), nil
	}
	if len(p) == 0 {
		return 0, nil
	}

	cp := append([]byte(nil), p...)
	s.Append(cp)

	return len(p), nil
}
