package render

import (
	"bytes"
	"image"
	"image/png"
	"sync"
)

// Encoder turns frames into PNG bytes, reusing buffers across calls.
type Encoder struct {
	bufferPool sync.Pool
	encoder    png.Encoder
}

// NewEncoder creates a PNG encoder tuned for interactive frames.
func NewEncoder() *Encoder {
	return &Encoder{
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
		encoder: png.Encoder{CompressionLevel: png.BestSpeed},
	}
}

// Encode returns img as PNG.
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()

	if err := e.encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
