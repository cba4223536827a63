// Package raw decodes headerless voxel buffers whose geometry is supplied
// out of band: by request parameters, a YAML sidecar, or a file name of the
// form "aneurism_256x256x256_uint8.raw".
package raw

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/volrnd/server/internal/volume"
)

// Format is the loader format name handled by this package.
const Format = "raw"

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Header describes the layout of a raw voxel buffer.
type Header struct {
	Name       string     `yaml:"name"`
	Dimensions [3]int     `yaml:"dimensions"`
	Spacing    [3]float64 `yaml:"spacing"`
	Origin     [3]float64 `yaml:"origin"`
	DataType   string     `yaml:"data_type"`
	ByteOrder  string     `yaml:"byte_order"`
}

// ParseHeader reads a YAML sidecar.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if err := yaml.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("parse raw header: %w", err)
	}
	h.applyDefaults()
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

var nameLayout = regexp.MustCompile(`(\d+)x(\d+)x(\d+)_([a-z]+\d+)`)

// HeaderFromName derives dimensions and data type from a file name such as
// "aneurism_256x256x256_uint8.raw". Spacing defaults to 1.
func HeaderFromName(name string) (Header, bool) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	m := nameLayout.FindStringSubmatch(strings.ToLower(base))
	if m == nil {
		return Header{}, false
	}
	var h Header
	for i := 0; i < 3; i++ {
		h.Dimensions[i], _ = strconv.Atoi(m[i+1])
	}
	h.DataType = m[4]
	h.Name = strings.TrimSuffix(base, path.Ext(base))
	h.applyDefaults()
	if h.Validate() != nil {
		return Header{}, false
	}
	return h, true
}

func (h *Header) applyDefaults() {
	for i := range h.Spacing {
		if h.Spacing[i] == 0 {
			h.Spacing[i] = 1
		}
	}
	if h.DataType == "" {
		h.DataType = "uint8"
	}
	if h.ByteOrder == "" {
		h.ByteOrder = "little"
	}
	if h.Name == "" {
		h.Name = "Scalars"
	}
}

// Validate checks the header fields.
func (h Header) Validate() error {
	for i, d := range h.Dimensions {
		if d <= 0 {
			return fmt.Errorf("raw header: dimension %d on axis %d must be positive", d, i)
		}
	}
	if _, err := volume.SampleCount(h.Dimensions); err != nil {
		return fmt.Errorf("raw header: %w", err)
	}
	for i, s := range h.Spacing {
		if !(s > 0) {
			return fmt.Errorf("raw header: spacing %g on axis %d must be positive", s, i)
		}
	}
	if _, ok := sampleSize(h.DataType); !ok {
		return fmt.Errorf("raw header: unsupported data_type %q", h.DataType)
	}
	if h.ByteOrder != "little" && h.ByteOrder != "big" {
		return fmt.Errorf("raw header: byte_order must be little or big, got %q", h.ByteOrder)
	}
	return nil
}

// String encodes the header as a loader format string, e.g.
// "raw;dims=4,4,2;spacing=1,1,2;origin=0,0,0;type=uint16;order=little;name=ct".
// Two buffers decoded under equal strings yield equal volumes.
func (h Header) String() string {
	var b strings.Builder
	b.WriteString(Format)
	fmt.Fprintf(&b, ";dims=%d,%d,%d", h.Dimensions[0], h.Dimensions[1], h.Dimensions[2])
	fmt.Fprintf(&b, ";spacing=%s", joinFloats(h.Spacing))
	fmt.Fprintf(&b, ";origin=%s", joinFloats(h.Origin))
	fmt.Fprintf(&b, ";type=%s;order=%s;name=%s", h.DataType, h.ByteOrder, h.Name)
	return b.String()
}

func joinFloats(v [3]float64) string {
	parts := make([]string, 3)
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ParseFormat is the inverse of Header.String.
func ParseFormat(s string) (Header, error) {
	fields := strings.Split(s, ";")
	if fields[0] != Format {
		return Header{}, fmt.Errorf("not a raw format string: %q", s)
	}
	var h Header
	for _, f := range fields[1:] {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			return Header{}, fmt.Errorf("raw format: malformed field %q", f)
		}
		var err error
		switch key {
		case "dims":
			err = parseTriple(val, func(i int, s string) error {
				n, err := strconv.Atoi(s)
				h.Dimensions[i] = n
				return err
			})
		case "spacing":
			err = parseTriple(val, floatInto(&h.Spacing))
		case "origin":
			err = parseTriple(val, floatInto(&h.Origin))
		case "type":
			h.DataType = strings.ToLower(val)
		case "order":
			h.ByteOrder = strings.ToLower(val)
		case "name":
			h.Name = val
		default:
			err = fmt.Errorf("unknown field %q", key)
		}
		if err != nil {
			return Header{}, fmt.Errorf("raw format %s: %w", key, err)
		}
	}
	h.applyDefaults()
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

func floatInto(dst *[3]float64) func(int, string) error {
	return func(i int, s string) error {
		v, err := strconv.ParseFloat(s, 64)
		dst[i] = v
		return err
	}
}

func parseTriple(val string, set func(int, string) error) error {
	parts := strings.Split(val, ",")
	if len(parts) != 3 {
		return fmt.Errorf("want 3 comma-separated values, got %q", val)
	}
	for i, p := range parts {
		if err := set(i, strings.TrimSpace(p)); err != nil {
			return err
		}
	}
	return nil
}

func sampleSize(dataType string) (int, bool) {
	switch dataType {
	case "uint8", "int8":
		return 1, true
	case "uint16", "int16":
		return 2, true
	case "uint32", "int32", "float32":
		return 4, true
	case "float64":
		return 8, true
	}
	return 0, false
}

// zstdWindowSlack lets streamed frames keep their encoder window even when
// the decoded volume is smaller than it.
const zstdWindowSlack = 64 << 20

// decompress inflates a zstd stream, failing once it yields more than limit
// bytes.
func decompress(buf []byte, limit int) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(buf),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(limit)+zstdWindowSlack))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := io.ReadAll(io.LimitReader(dec, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("zstd stream inflates past %d bytes", limit)
	}
	return out, nil
}

// Decoder implements volume.Decoder for one header.
type Decoder struct {
	Header Header
}

// Decode converts buf according to d.Header. Buffers starting with the zstd
// frame magic are decompressed first.
func (d Decoder) Decode(buf []byte) (*volume.ImageVolume, error) {
	h := d.Header
	h.applyDefaults()
	if err := h.Validate(); err != nil {
		return nil, &volume.DecodeError{Format: Format, Err: err}
	}
	if len(buf) == 0 {
		return nil, volume.Decodef(Format, "empty buffer")
	}
	size, _ := sampleSize(h.DataType)
	// Validate bounded the product.
	n, _ := volume.SampleCount(h.Dimensions)
	if bytes.HasPrefix(buf, zstdMagic) {
		var err error
		if buf, err = decompress(buf, n*size); err != nil {
			return nil, &volume.DecodeError{Format: Format, Err: err}
		}
	}

	if len(buf) != n*size {
		return nil, volume.Decodef(Format, "buffer holds %d bytes, %dx%dx%d %s needs %d",
			len(buf), h.Dimensions[0], h.Dimensions[1], h.Dimensions[2], h.DataType, n*size)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if h.ByteOrder == "big" {
		order = binary.BigEndian
	}
	scalars := make([]float32, n)
	for i := range scalars {
		b := buf[i*size : (i+1)*size]
		switch h.DataType {
		case "uint8":
			scalars[i] = float32(b[0])
		case "int8":
			scalars[i] = float32(int8(b[0]))
		case "uint16":
			scalars[i] = float32(order.Uint16(b))
		case "int16":
			scalars[i] = float32(int16(order.Uint16(b)))
		case "uint32":
			scalars[i] = float32(order.Uint32(b))
		case "int32":
			scalars[i] = float32(int32(order.Uint32(b)))
		case "float32":
			scalars[i] = math.Float32frombits(order.Uint32(b))
		case "float64":
			scalars[i] = float32(math.Float64frombits(order.Uint64(b)))
		}
	}

	vol, err := volume.New(h.Name, h.Dimensions, h.Spacing, h.Origin, scalars)
	if err != nil {
		return nil, &volume.DecodeError{Format: Format, Err: err}
	}
	return vol, nil
}
