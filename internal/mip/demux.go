package mip

// Demuxer turns an unbounded raw byte stream, delivered in arbitrary-sized
// chunks, into discrete validated frames. Partial frames are retained across
// calls, and a sync marker is only trusted once the checksum of the frame it
// would start confirms it — sync-valued bytes routinely appear inside payload
// data and line noise.
type Demuxer struct {
	buf    []byte
	search int // next offset to examine for a sync marker
}

// Feed appends newly received bytes and returns every complete valid frame now
// available, in arrival order. Returned frames own their payloads.
func (d *Demuxer) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)

	var frames []Frame
	for {
		i := d.findSync()
		if i < 0 {
			d.compact()
			return frames
		}

		// Bytes before a tentative frame start are dead weight; dropping them
		// here keeps the buffer bounded while waiting for the rest.
		if i > 0 {
			d.buf = append(d.buf[:0], d.buf[i:]...)
			i = 0
		}

		// Header not fully buffered yet.
		if len(d.buf) < HeaderLen {
			d.search = 0
			return frames
		}

		total := HeaderLen + int(d.buf[3]) + ChecksumLen
		if len(d.buf) < total {
			d.search = 0
			return frames
		}

		f, ok := Verify(d.buf[i : i+total])
		if !ok {
			// False sync: a real frame may start inside this window, so only
			// step past the first sync byte.
			d.search = i + 1
			continue
		}

		f.Payload = append([]byte(nil), f.Payload...)
		frames = append(frames, f)

		// Consume through the frame and rescan what remains: one read can
		// carry several frames.
		d.buf = d.buf[i+total:]
		d.search = 0
	}
}

// Pending returns the number of buffered bytes not yet consumed by a frame.
func (d *Demuxer) Pending() int { return len(d.buf) }

// Reset discards all buffered bytes.
func (d *Demuxer) Reset() {
	d.buf = d.buf[:0]
	d.search = 0
}

// findSync locates the next sync marker at or after the search cursor.
func (d *Demuxer) findSync() int {
	for i := d.search; i+1 < len(d.buf); i++ {
		if d.buf[i] == SyncMSB && d.buf[i+1] == SyncLSB {
			return i
		}
	}
	return -1
}

// compact drops scanned bytes that can no longer begin a frame. The final byte
// is kept when it could pair with the next read's first byte as a sync marker.
func (d *Demuxer) compact() {
	keep := 0
	if n := len(d.buf); n > 0 && d.buf[n-1] == SyncMSB {
		keep = 1
	}
	if len(d.buf) > keep {
		d.buf = append(d.buf[:0], d.buf[len(d.buf)-keep:]...)
	}
	d.search = 0
}
