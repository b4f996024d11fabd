// Package safetensors parses the binary weight container format used by the
// model directory: an 8-byte little-endian header length, a UTF-8 JSON header
// mapping tensor names to dtype/shape/offsets, and concatenated raw payloads.
package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/emberml/ember/internal/fault"
)

// DType identifies the numeric encoding of a tensor payload.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

// TensorBlob describes one tensor's location inside a container. It is
// produced during header parsing and immutable afterwards.
type TensorBlob struct {
	Name  string
	DType DType
	Shape []int
	Start int64
	End   int64
}

// NumElements returns the element count implied by the blob's shape.
func (b TensorBlob) NumElements() (int, error) {
	if len(b.Shape) == 0 {
		// Scalars are stored with an empty shape.
		return 1, nil
	}
	n := 1
	for _, d := range b.Shape {
		if d <= 0 {
			return 0, fault.Formatf(b.Name, "invalid dimension %d", d)
		}
		if n > math.MaxInt/d {
			return 0, fault.Formatf(b.Name, "tensor too large")
		}
		n *= d
	}
	return n, nil
}

// File is one parsed weight container. The payload is kept mapped (or read)
// for the lifetime of the File; Close releases it.
type File struct {
	Path    string
	Tensors map[string]TensorBlob

	payload []byte
	closer  func() error
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path and parses its header. The returned File must be closed.
func Open(path string) (*File, error) {
	data, closer, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	f, err := parse(filepath.Base(path), data)
	if err != nil {
		_ = closer()
		return nil, err
	}
	f.Path = path
	f.closer = closer
	return f, nil
}

// OpenBytes parses an in-memory container. Used by tests and by callers that
// already hold the bytes.
func OpenBytes(name string, data []byte) (*File, error) {
	return parse(name, data)
}

func parse(name string, data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fault.Formatf(name, "file too small (%d bytes)", len(data))
	}
	if marker, ok := sniffErrorPage(data); ok {
		return nil, &fault.AuthError{Source: name, Marker: marker}
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen == 0 {
		return nil, fault.Formatf(name, "header length is zero")
	}
	if headerLen > uint64(len(data)-8) {
		return nil, fault.Formatf(name, "header length %d exceeds file size %d", headerLen, len(data))
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fault.Formatf(name, "header is not valid JSON: %v", err)
	}
	delete(raw, "__metadata__")

	payload := data[8+headerLen:]
	tensors := make(map[string]TensorBlob, len(raw))
	for tname, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fault.Formatf(name, "tensor %s: %v", tname, err)
		}
		dt := DType(th.DType)
		switch dt {
		case F32, F16, BF16:
		default:
			return nil, fault.Formatf(name, "tensor %s: unrecognized dtype %q", tname, th.DType)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fault.Formatf(name, "tensor %s: invalid data_offsets", tname)
		}
		if th.DataOffsets[1] > int64(len(payload)) {
			return nil, fault.Formatf(name, "tensor %s: data_offsets beyond payload", tname)
		}
		tensors[tname] = TensorBlob{
			Name:  tname,
			DType: dt,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{Tensors: tensors, payload: payload}, nil
}

// Close releases the underlying mapping, if any.
func (f *File) Close() error {
	if f.closer != nil {
		err := f.closer()
		f.closer = nil
		f.payload = nil
		return err
	}
	return nil
}

// Decode materializes the named tensor as float32 values.
func (f *File) Decode(name string) ([]float32, TensorBlob, error) {
	blob, ok := f.Tensors[name]
	if !ok {
		return nil, TensorBlob{}, fault.Formatf(f.Path, "tensor not found: %s", name)
	}
	n, err := blob.NumElements()
	if err != nil {
		return nil, TensorBlob{}, err
	}
	raw := f.payload[blob.Start:blob.End]

	switch blob.DType {
	case F32:
		if len(raw) != n*4 {
			return nil, TensorBlob{}, fault.Formatf(f.Path, "tensor %s: payload size %d does not match shape", name, len(raw))
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, blob, nil
	case F16:
		if len(raw) != n*2 {
			return nil, TensorBlob{}, fault.Formatf(f.Path, "tensor %s: payload size %d does not match shape", name, len(raw))
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = FP16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, blob, nil
	case BF16:
		if len(raw) != n*2 {
			return nil, TensorBlob{}, fault.Formatf(f.Path, "tensor %s: payload size %d does not match shape", name, len(raw))
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = BF16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, blob, nil
	}
	return nil, TensorBlob{}, fault.Formatf(f.Path, "tensor %s: unrecognized dtype %q", name, blob.DType)
}

// BF16ToFloat32 widens a bfloat16 bit pattern: the 16-bit word is the upper
// half of the float32 pattern, mantissa truncated with no rounding.
func BF16ToFloat32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// FP16ToFloat32 decodes an IEEE-754 half-precision bit pattern. Subnormals
// are renormalized, and an all-ones exponent maps to inf/NaN.
func FP16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

// readFile is the portable payload loader used when mmap is unavailable.
func readFile(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, func() error { return nil }, nil
}
