package proxy

// captureBuffer keeps at most limit bytes of everything written to it.
// Writes never fail so it can sit behind an io.TeeReader.
type captureBuffer struct {
	buf       []byte
	limit     int64
	truncated bool
}

func newCaptureBuffer(limit int64) *captureBuffer {
	return &captureBuffer{limit: limit}
}

func (c *captureBuffer) Write(p []byte) (int, error) {
	if c.limit <= 0 {
		c.buf = append(c.buf, p...)
		return len(p), nil
	}
	room := c.limit - int64(len(c.buf))
	if room <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > room {
		c.buf = append(c.buf, p[:room]...)
		c.truncated = true
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *captureBuffer) String() string {
	return string(c.buf)
}

func (c *captureBuffer) Truncated() bool {
	return c.truncated
}
