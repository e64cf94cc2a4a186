package tests

// NeverEnding is an endless body source repeating one byte, for tests
// that cap it with io.LimitReader.
type NeverEnding byte

func (b NeverEnding) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = byte(b)
	for filled := 1; filled < len(p); filled *= 2 {
		copy(p[filled:], p[:filled])
	}
	return len(p), nil
}
