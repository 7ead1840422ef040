package audio

// Repackager accumulates arbitrarily-sized PCM chunks from a synthesis
// backend and re-emits them as fixed-duration opus frames for the client
// wire. Partial trailing audio is held until Flush, which zero-pads the
// final frame.
type Repackager struct {
	enc     *Encoder
	pending []int16
}

// NewRepackager creates a Repackager producing opus frames at the given
// sample rate and frame duration.
func NewRepackager(sampleRate, frameDurationMs int) (*Repackager, error) {
	enc, err := NewEncoder(sampleRate, frameDurationMs)
	if err != nil {
		return nil, err
	}
	return &Repackager{enc: enc}, nil
}

// Push appends PCM bytes (16-bit little-endian mono) and returns every
// complete opus frame now available.
func (r *Repackager) Push(pcm []byte) ([][]byte, error) {
	r.pending = append(r.pending, BytesToInt16s(pcm)...)

	var frames [][]byte
	size := r.enc.FrameSize()
	for len(r.pending) >= size {
		frame, err := r.enc.Encode(r.pending[:size])
		if err != nil {
			return frames, err
		}
		r.pending = r.pending[size:]
		frames = append(frames, frame)
	}
	return frames, nil
}

// Flush zero-pads any pending partial frame and returns it encoded. Returns
// nil when no audio is pending.
func (r *Repackager) Flush() ([]byte, error) {
	if len(r.pending) == 0 {
		return nil, nil
	}
	size := r.enc.FrameSize()
	frame := make([]int16, size)
	copy(frame, r.pending)
	r.pending = nil
	return r.enc.Encode(frame)
}

// PendingSamples reports how many samples are buffered awaiting a full frame.
func (r *Repackager) PendingSamples() int { return len(r.pending) }
