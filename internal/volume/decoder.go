package volume

import "fmt"

// Decoder turns an encoded byte buffer into an ImageVolume.
type Decoder interface {
	Decode(buf []byte) (*ImageVolume, error)
}

// DecodeError reports a buffer that is not a well-formed volumetric image
// or that yields no data.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("decode volume: %v", e.Err)
	}
	return fmt.Sprintf("decode %s volume: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decodef builds a DecodeError for format with a formatted cause.
func Decodef(format, msg string, args ...any) error {
	return &DecodeError{Format: format, Err: fmt.Errorf(msg, args...)}
}
