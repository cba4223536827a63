// Package vti decodes VTK XML ImageData (.vti) files into image volumes.
//
// Supported: ascii and binary inline arrays, appended data in raw or base64
// encoding, UInt32/UInt64 headers, both byte orders and the
// vtkZLibDataCompressor. Only the first component of the active point
// scalars is kept.
package vti

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/volrnd/server/internal/volume"
)

// Format is the loader format name handled by this package.
const Format = "vti"

const zlibCompressor = "vtkZLibDataCompressor"

// maxComponents bounds NumberOfComponents so that the byte size of an
// array stays well inside int range.
const maxComponents = 256

type vtkFile struct {
	XMLName    xml.Name  `xml:"VTKFile"`
	Type       string    `xml:"type,attr"`
	ByteOrder  string    `xml:"byte_order,attr"`
	HeaderType string    `xml:"header_type,attr"`
	Compressor string    `xml:"compressor,attr"`
	Image      imageData `xml:"ImageData"`
}

type imageData struct {
	WholeExtent string  `xml:"WholeExtent,attr"`
	Origin      string  `xml:"Origin,attr"`
	Spacing     string  `xml:"Spacing,attr"`
	Pieces      []piece `xml:"Piece"`
}

type piece struct {
	Extent    string    `xml:"Extent,attr"`
	PointData pointData `xml:"PointData"`
}

type pointData struct {
	Scalars string      `xml:"Scalars,attr"`
	Arrays  []dataArray `xml:"DataArray"`
}

type dataArray struct {
	Type               string `xml:"type,attr"`
	Name               string `xml:"Name,attr"`
	Format             string `xml:"format,attr"`
	Offset             string `xml:"offset,attr"`
	NumberOfComponents int    `xml:"NumberOfComponents,attr"`
	Content            string `xml:",chardata"`
}

// appended holds the <AppendedData> payload located after the '_' marker.
type appended struct {
	encoding string
	data     []byte
}

// Decoder implements volume.Decoder for .vti buffers.
type Decoder struct{}

// Decode implements volume.Decoder.
func (Decoder) Decode(buf []byte) (*volume.ImageVolume, error) { return Decode(buf) }

// Decode parses a .vti buffer.
func Decode(buf []byte) (*volume.ImageVolume, error) {
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, volume.Decodef(Format, "empty buffer")
	}

	head, app, err := splitAppended(buf)
	if err != nil {
		return nil, err
	}

	var f vtkFile
	if err := xml.Unmarshal(head, &f); err != nil {
		return nil, &volume.DecodeError{Format: Format, Err: fmt.Errorf("parse xml: %w", err)}
	}
	if f.Type != "" && f.Type != "ImageData" {
		return nil, volume.Decodef(Format, "unsupported dataset type %q", f.Type)
	}

	enc, err := newEncoding(f)
	if err != nil {
		return nil, err
	}

	extentAttr := f.Image.WholeExtent
	var pd pointData
	if len(f.Image.Pieces) > 0 {
		p := f.Image.Pieces[0]
		if p.Extent != "" {
			extentAttr = p.Extent
		}
		pd = p.PointData
	}

	extent, err := parseInts(extentAttr, 6, "extent")
	if err != nil {
		return nil, err
	}
	var dims [3]int
	for i := 0; i < 3; i++ {
		lo, hi := extent[2*i], extent[2*i+1]
		if lo < -volume.MaxSamples || hi > volume.MaxSamples || hi < lo {
			return nil, volume.Decodef(Format, "invalid extent %q", extentAttr)
		}
		dims[i] = hi - lo + 1
	}
	points, err := volume.SampleCount(dims)
	if err != nil {
		return nil, &volume.DecodeError{Format: Format, Err: err}
	}

	spacing := [3]float64{1, 1, 1}
	if f.Image.Spacing != "" {
		s, err := parseFloats(f.Image.Spacing, 3, "spacing")
		if err != nil {
			return nil, err
		}
		copy(spacing[:], s)
	}
	var origin [3]float64
	if f.Image.Origin != "" {
		o, err := parseFloats(f.Image.Origin, 3, "origin")
		if err != nil {
			return nil, err
		}
		copy(origin[:], o)
	}
	// Points are indexed from the extent minimum, not from zero.
	for i := 0; i < 3; i++ {
		origin[i] += float64(extent[2*i]) * spacing[i]
	}

	arr, ok := pd.scalars()
	if !ok {
		return nil, volume.Decodef(Format, "no point scalars")
	}

	scalars, err := enc.read(arr, app, points)
	if err != nil {
		return nil, err
	}

	vol, err := volume.New(arr.Name, dims, spacing, origin, scalars)
	if err != nil {
		return nil, &volume.DecodeError{Format: Format, Err: err}
	}
	return vol, nil
}

// scalars returns the active scalar array, falling back to the first one.
func (pd pointData) scalars() (dataArray, bool) {
	if len(pd.Arrays) == 0 {
		return dataArray{}, false
	}
	if pd.Scalars != "" {
		for _, a := range pd.Arrays {
			if a.Name == pd.Scalars {
				return a, true
			}
		}
	}
	return pd.Arrays[0], true
}

// splitAppended cuts the document at <AppendedData>. Raw appended bytes are
// not valid XML, so the header is parsed on its own and closed by hand.
func splitAppended(buf []byte) ([]byte, *appended, error) {
	idx := bytes.Index(buf, []byte("<AppendedData"))
	if idx < 0 {
		return buf, nil, nil
	}
	gt := bytes.IndexByte(buf[idx:], '>')
	if gt < 0 {
		return nil, nil, volume.Decodef(Format, "unterminated AppendedData tag")
	}
	gt += idx

	app := &appended{encoding: "raw"}
	tag := xml.NewDecoder(bytes.NewReader(buf[idx : gt+1]))
	tok, err := tag.Token()
	if err != nil {
		return nil, nil, &volume.DecodeError{Format: Format, Err: fmt.Errorf("parse AppendedData: %w", err)}
	}
	if se, ok := tok.(xml.StartElement); ok {
		for _, a := range se.Attr {
			if a.Name.Local == "encoding" {
				app.encoding = a.Value
			}
		}
	}

	us := bytes.IndexByte(buf[gt+1:], '_')
	if us < 0 {
		return nil, nil, volume.Decodef(Format, "missing '_' marker in AppendedData")
	}
	app.data = buf[gt+1+us+1:]
	if app.encoding == "base64" {
		if end := bytes.Index(app.data, []byte("</AppendedData>")); end >= 0 {
			app.data = app.data[:end]
		}
	}

	head := make([]byte, 0, idx+len("</VTKFile>"))
	head = append(head, buf[:idx]...)
	head = append(head, "</VTKFile>"...)
	return head, app, nil
}

type encoding struct {
	order      binary.ByteOrder
	headerSize int
	compressed bool
}

func newEncoding(f vtkFile) (*encoding, error) {
	e := &encoding{order: binary.LittleEndian, headerSize: 4}
	switch f.ByteOrder {
	case "", "LittleEndian":
	case "BigEndian":
		e.order = binary.BigEndian
	default:
		return nil, volume.Decodef(Format, "unknown byte_order %q", f.ByteOrder)
	}
	switch f.HeaderType {
	case "", "UInt32":
	case "UInt64":
		e.headerSize = 8
	default:
		return nil, volume.Decodef(Format, "unsupported header_type %q", f.HeaderType)
	}
	switch f.Compressor {
	case "":
	case zlibCompressor:
		e.compressed = true
	default:
		return nil, volume.Decodef(Format, "unsupported compressor %q", f.Compressor)
	}
	return e, nil
}

func (e *encoding) read(arr dataArray, app *appended, points int) ([]float32, error) {
	size, ok := typeSize(arr.Type)
	if !ok {
		return nil, volume.Decodef(Format, "unsupported data type %q", arr.Type)
	}
	comps := arr.NumberOfComponents
	if comps <= 0 {
		comps = 1
	}
	if comps > maxComponents {
		return nil, volume.Decodef(Format, "array %q has %d components (max %d)", arr.Name, comps, maxComponents)
	}
	want := points * comps
	expected := want * size

	var raw []byte
	switch arr.Format {
	case "ascii":
		return readASCII(arr.Content, want, comps)
	case "binary":
		data, err := decodeBase64Blocks(arr.Content)
		if err != nil {
			return nil, err
		}
		raw, err = e.payload(data, expected)
		if err != nil {
			return nil, err
		}
	case "appended":
		if app == nil {
			return nil, volume.Decodef(Format, "array %q references missing AppendedData", arr.Name)
		}
		off, err := strconv.Atoi(strings.TrimSpace(arr.Offset))
		if err != nil || off < 0 || off > len(app.data) {
			return nil, volume.Decodef(Format, "invalid appended offset %q", arr.Offset)
		}
		data := app.data[off:]
		switch app.encoding {
		case "raw":
		case "base64":
			if data, err = decodeBase64Blocks(string(data)); err != nil {
				return nil, err
			}
		default:
			return nil, volume.Decodef(Format, "unsupported AppendedData encoding %q", app.encoding)
		}
		if raw, err = e.payload(data, expected); err != nil {
			return nil, err
		}
	default:
		return nil, volume.Decodef(Format, "unsupported array format %q", arr.Format)
	}

	if len(raw) < expected {
		return nil, volume.Decodef(Format, "array %q holds %d bytes, need %d", arr.Name, len(raw), expected)
	}
	return convert(raw, arr.Type, size, e.order, points, comps), nil
}

// payload strips the binary header and inflates compressed blocks.
// Compressed arrays must declare exactly expected bytes, and no block may
// inflate past its declared size.
func (e *encoding) payload(data []byte, expected int) ([]byte, error) {
	if !e.compressed {
		n, rest, err := e.word(data)
		if err != nil {
			return nil, err
		}
		if uint64(len(rest)) < n {
			return nil, volume.Decodef(Format, "truncated data block: have %d bytes, header says %d", len(rest), n)
		}
		return rest[:n], nil
	}

	nblocks, rest, err := e.word(data)
	if err != nil {
		return nil, err
	}
	blockSize, rest, err := e.word(rest)
	if err != nil {
		return nil, err
	}
	lastSize, rest, err := e.word(rest)
	if err != nil {
		return nil, err
	}
	if nblocks > uint64(len(rest)/e.headerSize) {
		return nil, volume.Decodef(Format, "corrupt compression header: %d blocks", nblocks)
	}
	want := uint64(expected)
	if blockSize > want || lastSize > want {
		return nil, volume.Decodef(Format, "corrupt compression header: block size %d, last %d, array needs %d bytes", blockSize, lastSize, want)
	}
	if lastSize == 0 {
		lastSize = blockSize
	}
	var total uint64
	if nblocks > 0 {
		if blockSize > 0 && nblocks-1 > want/blockSize {
			return nil, volume.Decodef(Format, "corrupt compression header: %d blocks of %d bytes", nblocks, blockSize)
		}
		total = (nblocks-1)*blockSize + lastSize
	}
	if total != want {
		return nil, volume.Decodef(Format, "compression header declares %d bytes, array needs %d", total, want)
	}

	sizes := make([]uint64, nblocks)
	for i := range sizes {
		if sizes[i], rest, err = e.word(rest); err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, expected)
	for i, cs := range sizes {
		if uint64(len(rest)) < cs {
			return nil, volume.Decodef(Format, "truncated compressed block %d", i)
		}
		limit := blockSize
		if i == len(sizes)-1 {
			limit = lastSize
		}
		zr, err := zlib.NewReader(bytes.NewReader(rest[:cs]))
		if err != nil {
			return nil, &volume.DecodeError{Format: Format, Err: fmt.Errorf("block %d: %w", i, err)}
		}
		n := len(out)
		out, err = appendLimited(out, zr, int64(limit))
		zr.Close()
		if err != nil {
			return nil, &volume.DecodeError{Format: Format, Err: fmt.Errorf("block %d: %w", i, err)}
		}
		if uint64(len(out)-n) != limit {
			return nil, volume.Decodef(Format, "block %d inflates to %d bytes, header says %d", i, len(out)-n, limit)
		}
		rest = rest[cs:]
	}
	return out, nil
}

// appendLimited appends at most limit bytes from r to dst and fails if r
// holds more.
func appendLimited(dst []byte, r io.Reader, limit int64) ([]byte, error) {
	var b bytes.Buffer
	if _, err := b.ReadFrom(io.LimitReader(r, limit+1)); err != nil {
		return dst, err
	}
	if int64(b.Len()) > limit {
		return dst, fmt.Errorf("inflated data exceeds declared %d bytes", limit)
	}
	return append(dst, b.Bytes()...), nil
}

func (e *encoding) word(b []byte) (uint64, []byte, error) {
	if len(b) < e.headerSize {
		return 0, nil, volume.Decodef(Format, "truncated binary header")
	}
	if e.headerSize == 8 {
		return e.order.Uint64(b), b[8:], nil
	}
	return uint64(e.order.Uint32(b)), b[4:], nil
}

// decodeBase64Blocks decodes base64 text that may be a concatenation of
// separately padded blocks (VTK encodes the header and data apart).
func decodeBase64Blocks(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)

	var out []byte
	for len(s) > 0 {
		end := strings.IndexByte(s, '=')
		if end < 0 {
			end = len(s)
		} else {
			for end < len(s) && s[end] == '=' {
				end++
			}
		}
		chunk, err := base64.StdEncoding.DecodeString(s[:end])
		if err != nil {
			return nil, &volume.DecodeError{Format: Format, Err: fmt.Errorf("base64: %w", err)}
		}
		out = append(out, chunk...)
		s = s[end:]
	}
	return out, nil
}

func readASCII(content string, want, comps int) ([]float32, error) {
	fields := strings.Fields(content)
	if len(fields) < want {
		return nil, volume.Decodef(Format, "ascii array holds %d values, need %d", len(fields), want)
	}
	out := make([]float32, want/comps)
	for i := range out {
		v, err := strconv.ParseFloat(fields[i*comps], 64)
		if err != nil {
			return nil, volume.Decodef(Format, "ascii value %q: %v", fields[i*comps], err)
		}
		out[i] = float32(v)
	}
	return out, nil
}

func typeSize(t string) (int, bool) {
	switch t {
	case "Int8", "UInt8", "char", "signed_char", "unsigned_char":
		return 1, true
	case "Int16", "UInt16", "short", "unsigned_short":
		return 2, true
	case "Int32", "UInt32", "Float32", "int", "unsigned_int", "float":
		return 4, true
	case "Int64", "UInt64", "Float64", "long", "unsigned_long", "double", "vtkIdType":
		return 8, true
	}
	return 0, false
}

// convert extracts the first component of every tuple as float32.
func convert(raw []byte, t string, size int, order binary.ByteOrder, points, comps int) []float32 {
	out := make([]float32, points)
	stride := size * comps
	for i := range out {
		b := raw[i*stride : i*stride+size]
		var v float64
		switch t {
		case "Int8", "char", "signed_char":
			v = float64(int8(b[0]))
		case "UInt8", "unsigned_char":
			v = float64(b[0])
		case "Int16", "short":
			v = float64(int16(order.Uint16(b)))
		case "UInt16", "unsigned_short":
			v = float64(order.Uint16(b))
		case "Int32", "int":
			v = float64(int32(order.Uint32(b)))
		case "UInt32", "unsigned_int":
			v = float64(order.Uint32(b))
		case "Float32", "float":
			v = float64(math.Float32frombits(order.Uint32(b)))
		case "Int64", "long", "vtkIdType":
			v = float64(int64(order.Uint64(b)))
		case "UInt64", "unsigned_long":
			v = float64(order.Uint64(b))
		case "Float64", "double":
			v = math.Float64frombits(order.Uint64(b))
		}
		out[i] = float32(v)
	}
	return out
}

func parseInts(s string, n int, what string) ([]int, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, volume.Decodef(Format, "%s %q: want %d values", what, s, n)
	}
	out := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, volume.Decodef(Format, "%s %q: %v", what, s, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats(s string, n int, what string) ([]float64, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, volume.Decodef(Format, "%s %q: want %d values", what, s, n)
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, volume.Decodef(Format, "%s %q: %v", what, s, err)
		}
		out[i] = v
	}
	return out, nil
}
