package vti

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/volrnd/server/internal/volume"
)

const header = `<?xml version="1.0"?>
<VTKFile type="ImageData" version="1.0" byte_order="%s" header_type="%s"%s>
  <ImageData WholeExtent="%s" Origin="0 0 0" Spacing="1 1 2">
    <Piece Extent="%s">
      <PointData Scalars="density">
        %s
      </PointData>
    </Piece>
  </ImageData>
%s</VTKFile>
`

func document(order, headerType, compressor, extent, array, appended string) []byte {
	if compressor != "" {
		compressor = fmt.Sprintf(` compressor="%s"`, compressor)
	}
	return []byte(fmt.Sprintf(header, order, headerType, compressor, extent, extent, array, appended))
}

// uint8 ramp 0..n-1
func ramp(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func withHeader(order binary.ByteOrder, size int, data []byte) []byte {
	h := make([]byte, size)
	if size == 8 {
		order.PutUint64(h, uint64(len(data)))
	} else {
		order.PutUint32(h, uint32(len(data)))
	}
	return append(h, data...)
}

func checkRamp(t *testing.T, vol *volume.ImageVolume, dims [3]int) {
	t.Helper()
	if vol.Dimensions() != dims {
		t.Fatalf("dims = %v, want %v", vol.Dimensions(), dims)
	}
	s := vol.Scalars()
	for i, v := range s {
		if v != float32(i) {
			t.Fatalf("scalar %d = %g", i, v)
		}
	}
	if vol.Name() != "density" {
		t.Errorf("name = %q", vol.Name())
	}
	if vol.Spacing() != [3]float64{1, 1, 2} {
		t.Errorf("spacing = %v", vol.Spacing())
	}
}

func TestDecode_ASCII(t *testing.T) {
	values := make([]string, 8)
	for i := range values {
		values[i] = fmt.Sprint(i)
	}
	arr := `<DataArray type="UInt8" Name="density" format="ascii">` + strings.Join(values, " ") + `</DataArray>`
	vol, err := Decode(document("LittleEndian", "UInt32", "", "0 1 0 1 0 1", arr, ""))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	checkRamp(t, vol, [3]int{2, 2, 2})
}

func TestDecode_InlineBinary(t *testing.T) {
	// Header and data encoded as separate base64 blocks, the way VTK writes them.
	data := ramp(12)
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, uint32(len(data)))
	text := base64.StdEncoding.EncodeToString(hdr) + base64.StdEncoding.EncodeToString(data)

	arr := `<DataArray type="UInt8" Name="density" format="binary">` + text + `</DataArray>`
	vol, err := Decode(document("LittleEndian", "UInt32", "", "0 2 0 1 0 1", arr, ""))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	checkRamp(t, vol, [3]int{3, 2, 2})
}

func TestDecode_AppendedRawUInt64(t *testing.T) {
	payload := withHeader(binary.LittleEndian, 8, ramp(8))
	arr := `<DataArray type="UInt8" Name="density" format="appended" offset="0"/>`
	app := "  <AppendedData encoding=\"raw\">\n   _" + string(payload) + "\n  </AppendedData>\n"
	vol, err := Decode(document("LittleEndian", "UInt64", "", "0 1 0 1 0 1", arr, app))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	checkRamp(t, vol, [3]int{2, 2, 2})
}

func TestDecode_AppendedBase64SecondArray(t *testing.T) {
	first := base64.StdEncoding.EncodeToString(withHeader(binary.LittleEndian, 4, []byte{9, 9, 9, 9, 9, 9, 9, 9}))
	second := base64.StdEncoding.EncodeToString(withHeader(binary.LittleEndian, 4, ramp(8)))
	arrays := fmt.Sprintf(`<DataArray type="UInt8" Name="other" format="appended" offset="0"/>
        <DataArray type="UInt8" Name="density" format="appended" offset="%d"/>`, len(first))
	app := "<AppendedData encoding=\"base64\">_" + first + second + "</AppendedData>\n"
	vol, err := Decode(document("LittleEndian", "UInt32", "", "0 1 0 1 0 1", arrays, app))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	checkRamp(t, vol, [3]int{2, 2, 2})
}

func TestDecode_ZlibCompressed(t *testing.T) {
	// Two blocks of 6 bytes, the second one partial (4 bytes).
	data := ramp(10)
	blocks := [][]byte{data[:6], data[6:]}
	var compressed [][]byte
	for _, b := range blocks {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		zw.Write(b)
		zw.Close()
		compressed = append(compressed, buf.Bytes())
	}
	hdr := make([]byte, 4*(3+len(blocks)))
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(blocks)))
	binary.LittleEndian.PutUint32(hdr[4:], 6)
	binary.LittleEndian.PutUint32(hdr[8:], 4)
	for i, c := range compressed {
		binary.LittleEndian.PutUint32(hdr[12+4*i:], uint32(len(c)))
	}
	payload := append(hdr, bytes.Join(compressed, nil)...)

	arr := `<DataArray type="UInt8" Name="density" format="appended" offset="0"/>`
	app := "<AppendedData encoding=\"raw\">_" + string(payload) + "</AppendedData>\n"
	vol, err := Decode(document("LittleEndian", "UInt32", zlibCompressor, "0 4 0 1 0 0", arr, app))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	checkRamp(t, vol, [3]int{5, 2, 1})
}

func TestDecode_BigEndianMultiComponent(t *testing.T) {
	// Two Int16 components per point; only the first is kept.
	raw := make([]byte, 0, 2*2*2)
	for _, v := range []int16{-5, 100, 7, 200} {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		raw = append(raw, b...)
	}
	payload := withHeader(binary.BigEndian, 4, raw)
	arr := `<DataArray type="Int16" Name="density" NumberOfComponents="2" format="appended" offset="0"/>`
	app := "<AppendedData encoding=\"raw\">_" + string(payload) + "</AppendedData>\n"
	vol, err := Decode(document("BigEndian", "UInt32", "", "0 1 0 0 0 0", arr, app))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := vol.Scalars()
	if len(got) != 2 || got[0] != -5 || got[1] != 7 {
		t.Fatalf("scalars = %v", got)
	}
}

func TestDecode_Float32AndExtentOrigin(t *testing.T) {
	raw := make([]byte, 0, 8)
	for _, v := range []float32{0.5, 1.5} {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
		raw = append(raw, b...)
	}
	payload := withHeader(binary.LittleEndian, 4, raw)
	arr := `<DataArray type="Float32" Name="density" format="appended" offset="0"/>`
	app := "<AppendedData encoding=\"raw\">_" + string(payload) + "</AppendedData>\n"
	vol, err := Decode(document("LittleEndian", "UInt32", "", "0 0 0 0 3 4", arr, app))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if vol.Origin() != [3]float64{0, 0, 6} {
		t.Errorf("origin = %v, want extent offset applied", vol.Origin())
	}
	if lo, hi := vol.ScalarRange(); lo != 0.5 || hi != 1.5 {
		t.Errorf("range = %g..%g", lo, hi)
	}
}

func TestDecode_Malformed(t *testing.T) {
	ok := `<DataArray type="UInt8" Name="density" format="ascii">0 1</DataArray>`
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"whitespace", []byte("   \n")},
		{"not xml", []byte("hello world")},
		{"wrong dataset", []byte(`<VTKFile type="PolyData"><PolyData/></VTKFile>`)},
		{"bad extent", document("LittleEndian", "UInt32", "", "0 1 0", ok, "")},
		{"inverted extent", document("LittleEndian", "UInt32", "", "3 1 0 0 0 0", ok, "")},
		{"no arrays", document("LittleEndian", "UInt32", "", "0 1 0 0 0 0", "", "")},
		{"short ascii", document("LittleEndian", "UInt32", "", "0 3 0 0 0 0", ok, "")},
		{"bad type", document("LittleEndian", "UInt32", "", "0 1 0 0 0 0",
			`<DataArray type="Bit" Name="density" format="ascii">0 1</DataArray>`, "")},
		{"lz4", document("LittleEndian", "UInt32", "vtkLZ4DataCompressor", "0 1 0 0 0 0", ok, "")},
		{"missing appended", document("LittleEndian", "UInt32", "", "0 1 0 0 0 0",
			`<DataArray type="UInt8" Name="density" format="appended" offset="0"/>`, "")},
		{"truncated raw", document("LittleEndian", "UInt32", "", "0 1 0 0 0 0",
			`<DataArray type="UInt8" Name="density" format="appended" offset="0"/>`,
			"<AppendedData encoding=\"raw\">_\x10\x00</AppendedData>\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			var de *volume.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
			if de.Format != Format {
				t.Errorf("format = %q", de.Format)
			}
		})
	}
}

func deflate(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// compressedDoc builds a UInt64-header zlib document for a 10-point UInt8
// array with the given header words followed by the block bytes.
func compressedDoc(words []uint64, blocks ...[]byte) []byte {
	payload := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(payload[8*i:], w)
	}
	for _, b := range blocks {
		payload = append(payload, b...)
	}
	arr := `<DataArray type="UInt8" Name="density" format="appended" offset="0"/>`
	app := "<AppendedData encoding=\"raw\">_" + string(payload) + "</AppendedData>\n"
	return document("LittleEndian", "UInt64", zlibCompressor, "0 4 0 1 0 0", arr, app)
}

func TestDecode_HostileCompressionHeader(t *testing.T) {
	full := deflate(t, ramp(10))
	short := deflate(t, ramp(6))
	bomb := deflate(t, make([]byte, 1<<20))

	tests := []struct {
		name string
		buf  []byte
	}{
		{"huge block sizes", compressedDoc([]uint64{1, 1 << 62, 1 << 62, 0})},
		{"block count overflow", compressedDoc([]uint64{1 << 40, 1 << 3, 0, 0})},
		{"declares too little", compressedDoc([]uint64{1, 4, 4, uint64(len(full))}, full)},
		{"declares too much", compressedDoc([]uint64{2, 10, 10, uint64(len(full)), uint64(len(full))}, full, full)},
		{"inflates past header", compressedDoc([]uint64{1, 10, 10, uint64(len(bomb))}, bomb)},
		{"inflates short", compressedDoc([]uint64{1, 10, 10, uint64(len(short))}, short)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			var de *volume.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
		})
	}

	vol, err := Decode(compressedDoc([]uint64{1, 10, 10, uint64(len(full))}, full))
	if err != nil {
		t.Fatalf("well-formed block rejected: %v", err)
	}
	checkRamp(t, vol, [3]int{5, 2, 1})
}

func TestDecode_RejectsOversizedGrid(t *testing.T) {
	ok := `<DataArray type="UInt8" Name="density" format="ascii">0 1</DataArray>`
	tests := []struct {
		name string
		buf  []byte
	}{
		{"product overflow", document("LittleEndian", "UInt32", "", "0 2000000000 0 2000000000 0 2000000000", ok, "")},
		{"extent overflow", document("LittleEndian", "UInt32", "", "-9223372036854775808 9223372036854775807 0 0 0 0", ok, "")},
		{"too many components", document("LittleEndian", "UInt32", "", "0 1 0 0 0 0",
			`<DataArray type="UInt8" Name="density" NumberOfComponents="100000000" format="ascii">0 1</DataArray>`, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf)
			var de *volume.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
		})
	}
}
