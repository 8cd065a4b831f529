package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FromJSON builds a descriptor from the JSON "data" member of an inference
// request: a flat or nested array of numbers (fixed-width types), booleans
// (BOOL) or strings (BYTES). Numbers arrive as float64, as produced by
// encoding/json and structpb.
func FromJSON(name string, dt DataType, shape []int64, data any) (Descriptor, error) {
	values := flatten(data, nil)
	d := Descriptor{Name: name, Type: dt, Shape: append([]int64(nil), shape...)}

	switch {
	case dt == Bytes:
		elems := make([][]byte, len(values))
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				return Descriptor{}, fmt.Errorf("tensor %q: element %d is %T, want string", name, i, v)
			}
			elems[i] = []byte(s)
		}
		d.Data = EncodeBytes(elems)
	case dt == FP16 || dt == BF16:
		return Descriptor{}, fmt.Errorf("tensor %q: %s has no JSON representation, send raw bytes", name, dt)
	case dt.FixedWidth():
		width, _ := dt.ByteSize()
		d.Data = make([]byte, len(values)*int(width))
		for i, v := range values {
			if err := putScalar(d.Data[i*int(width):], dt, v); err != nil {
				return Descriptor{}, fmt.Errorf("tensor %q: element %d: %w", name, i, err)
			}
		}
	default:
		return Descriptor{}, fmt.Errorf("tensor %q: invalid datatype", name)
	}

	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// JSONData renders the tensor payload as a flat JSON-compatible array.
func (d Descriptor) JSONData() ([]any, error) {
	if d.Type == Bytes {
		elems, err := DecodeBytes(d.Data)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", d.Name, err)
		}
		out := make([]any, len(elems))
		for i, e := range elems {
			out[i] = string(e)
		}
		return out, nil
	}

	width, ok := d.Type.ByteSize()
	if !ok || d.Type == FP16 || d.Type == BF16 {
		return nil, fmt.Errorf("tensor %q: %s has no JSON representation", d.Name, d.Type)
	}
	if len(d.Data)%int(width) != 0 {
		return nil, fmt.Errorf("tensor %q: %d bytes is not a multiple of %d", d.Name, len(d.Data), width)
	}
	out := make([]any, len(d.Data)/int(width))
	for i := range out {
		out[i] = getScalar(d.Data[i*int(width):], d.Type)
	}
	return out, nil
}

func flatten(v any, out []any) []any {
	switch x := v.(type) {
	case nil:
		return out
	case []any:
		for _, e := range x {
			out = flatten(e, out)
		}
		return out
	default:
		return append(out, v)
	}
}

func putScalar(b []byte, dt DataType, v any) error {
	if dt == Bool {
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("got %T, want bool", v)
		}
		b[0] = 0
		if x {
			b[0] = 1
		}
		return nil
	}

	f, ok := v.(float64)
	if !ok {
		return fmt.Errorf("got %T, want number", v)
	}
	if dt != FP32 && dt != FP64 && f != math.Trunc(f) {
		return fmt.Errorf("%v is not an integer", f)
	}
	if !inRange(dt, f) {
		return fmt.Errorf("%v out of range for %s", f, dt)
	}

	le := binary.LittleEndian
	switch dt {
	case Uint8:
		b[0] = uint8(f)
	case Int8:
		b[0] = uint8(int8(f))
	case Uint16:
		le.PutUint16(b, uint16(f))
	case Int16:
		le.PutUint16(b, uint16(int16(f)))
	case Uint32:
		le.PutUint32(b, uint32(f))
	case Int32:
		le.PutUint32(b, uint32(int32(f)))
	case Uint64:
		le.PutUint64(b, uint64(f))
	case Int64:
		le.PutUint64(b, uint64(int64(f)))
	case FP32:
		le.PutUint32(b, math.Float32bits(float32(f)))
	case FP64:
		le.PutUint64(b, math.Float64bits(f))
	default:
		return fmt.Errorf("unsupported datatype %s", dt)
	}
	return nil
}

// inRange reports whether f converts to dt without wrapping. The 64-bit
// upper bounds are exclusive since their maxima round up as float64.
func inRange(dt DataType, f float64) bool {
	switch dt {
	case Uint8:
		return f >= 0 && f <= math.MaxUint8
	case Int8:
		return f >= math.MinInt8 && f <= math.MaxInt8
	case Uint16:
		return f >= 0 && f <= math.MaxUint16
	case Int16:
		return f >= math.MinInt16 && f <= math.MaxInt16
	case Uint32:
		return f >= 0 && f <= math.MaxUint32
	case Int32:
		return f >= math.MinInt32 && f <= math.MaxInt32
	case Uint64:
		return f >= 0 && f < 1<<64
	case Int64:
		return f >= math.MinInt64 && f < 1<<63
	case FP32:
		return math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) <= math.MaxFloat32
	}
	return true
}

// Finite reports whether every element of a floating point tensor is finite.
// Other types are always finite.
func (d Descriptor) Finite() bool {
	le := binary.LittleEndian
	switch d.Type {
	case FP32:
		for i := 0; i+4 <= len(d.Data); i += 4 {
			f := float64(math.Float32frombits(le.Uint32(d.Data[i:])))
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
		}
	case FP64:
		for i := 0; i+8 <= len(d.Data); i += 8 {
			f := math.Float64frombits(le.Uint64(d.Data[i:]))
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
		}
	}
	return true
}

func getScalar(b []byte, dt DataType) any {
	le := binary.LittleEndian
	switch dt {
	case Bool:
		return b[0] != 0
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Uint16:
		return float64(le.Uint16(b))
	case Int16:
		return float64(int16(le.Uint16(b)))
	case Uint32:
		return float64(le.Uint32(b))
	case Int32:
		return float64(int32(le.Uint32(b)))
	case Uint64:
		return float64(le.Uint64(b))
	case Int64:
		return float64(int64(le.Uint64(b)))
	case FP32:
		return float64(math.Float32frombits(le.Uint32(b)))
	case FP64:
		return math.Float64frombits(le.Uint64(b))
	}
	return nil
}
