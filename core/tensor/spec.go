// Package tensor describes tensor shapes and element types, and holds host-side tensor data.
//
// Element types are the PJRT ones from github.com/gomlx/gopjrt/dtypes, so a Spec can be handed
// unchanged to any driver.
package tensor

import (
	"encoding/json"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// shortNames maps the compact element-type names used on the command line and in manifests.
var shortNames = map[string]dtypes.DType{
	"f16":  dtypes.Float16,
	"bf16": dtypes.BFloat16,
	"f32":  dtypes.Float32,
	"f64":  dtypes.Float64,
	"s8":   dtypes.Int8,
	"i8":   dtypes.Int8,
	"s32":  dtypes.Int32,
	"i32":  dtypes.Int32,
	"s64":  dtypes.Int64,
	"i64":  dtypes.Int64,
	"u8":   dtypes.Uint8,
	"u32":  dtypes.Uint32,
	"bool": dtypes.Bool,
	"pred": dtypes.Bool,
}

// ParseDType accepts a short name ("f32", "u8", "bool") or a long one ("float32", "Float32").
func ParseDType(name string) (dtypes.DType, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if dt, ok := shortNames[key]; ok {
		return dt, nil
	}
	switch key {
	case "float16", "half":
		return dtypes.Float16, nil
	case "bfloat16":
		return dtypes.BFloat16, nil
	case "float32", "float":
		return dtypes.Float32, nil
	case "float64", "double":
		return dtypes.Float64, nil
	case "int8":
		return dtypes.Int8, nil
	case "int32":
		return dtypes.Int32, nil
	case "int64":
		return dtypes.Int64, nil
	case "uint8", "byte":
		return dtypes.Uint8, nil
	case "uint32":
		return dtypes.Uint32, nil
	case "boolean":
		return dtypes.Bool, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unknown element type %q", name)
}

// ShortName returns the compact name of dt, the inverse of ParseDType.
func ShortName(dt dtypes.DType) string {
	switch dt {
	case dtypes.Float16:
		return "f16"
	case dtypes.BFloat16:
		return "bf16"
	case dtypes.Float32:
		return "f32"
	case dtypes.Float64:
		return "f64"
	case dtypes.Int8:
		return "s8"
	case dtypes.Int32:
		return "s32"
	case dtypes.Int64:
		return "s64"
	case dtypes.Uint8:
		return "u8"
	case dtypes.Uint32:
		return "u32"
	case dtypes.Bool:
		return "bool"
	}
	return strings.ToLower(dt.String())
}

// Spec is the metadata of one executable input or output.
type Spec struct {
	Name  string
	DType dtypes.DType
	Shape []int
}

// MaxByteSize bounds the byte size of a valid Spec, leaving headroom for aligned host regions.
const MaxByteSize = math.MaxInt >> 1

// MakeSpec is a shortcut for building a Spec.
func MakeSpec(name string, dt dtypes.DType, dims ...int) Spec {
	return Spec{Name: name, DType: dt, Shape: dims}
}

// Validate reports whether the spec has a known element type and a shape of positive dimensions.
func (s Spec) Validate() error {
	if _, ok := elementSize(s.DType); !ok {
		return errors.Errorf("tensor %q: unsupported element type %s", s.Name, s.DType)
	}
	if len(s.Shape) == 0 {
		return errors.Errorf("tensor %q: shape has no dimensions", s.Name)
	}
	size := uint64(s.ElementSize())
	for axis, dim := range s.Shape {
		if dim <= 0 {
			return errors.Errorf("tensor %q: dimension %d of shape %v is not positive", s.Name, axis, s.Shape)
		}
		hi, lo := bits.Mul64(size, uint64(dim))
		if hi != 0 || lo > MaxByteSize {
			return errors.Errorf("tensor %q: shape %v of %s exceeds %d bytes", s.Name, s.Shape, s.DType, uint64(MaxByteSize))
		}
		size = lo
	}
	return nil
}

// Elements is the product of the dimensions.
func (s Spec) Elements() int {
	if len(s.Shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range s.Shape {
		n *= dim
	}
	return n
}

// ElementSize is the size in bytes of one element, or 0 for unsupported types.
func (s Spec) ElementSize() int {
	size, _ := elementSize(s.DType)
	return size
}

// ByteSize is Elements() * ElementSize().
func (s Spec) ByteSize() int {
	return s.Elements() * s.ElementSize()
}

// Equal compares element type and shape; names are ignored.
func (s Spec) Equal(other Spec) bool {
	if s.DType != other.DType || len(s.Shape) != len(other.Shape) {
		return false
	}
	for i := range s.Shape {
		if s.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no memory with s.
func (s Spec) Clone() Spec {
	s.Shape = append([]int(nil), s.Shape...)
	return s
}

// String renders "name=f32[64,64]", the format accepted by ParseSpec.
func (s Spec) String() string {
	dims := make([]string, len(s.Shape))
	for i, d := range s.Shape {
		dims[i] = strconv.Itoa(d)
	}
	shape := fmt.Sprintf("%s[%s]", ShortName(s.DType), strings.Join(dims, ","))
	if s.Name == "" {
		return shape
	}
	return s.Name + "=" + shape
}

// ParseSpec parses "name=f32[64,64]". The name part is optional.
func ParseSpec(value string) (Spec, error) {
	var spec Spec
	rest := strings.TrimSpace(value)
	if name, shape, ok := strings.Cut(rest, "="); ok {
		spec.Name = strings.TrimSpace(name)
		rest = strings.TrimSpace(shape)
	}
	open := strings.IndexByte(rest, '[')
	if open <= 0 || !strings.HasSuffix(rest, "]") {
		return Spec{}, errors.Errorf("invalid tensor spec %q, want name=dtype[d0,d1,...]", value)
	}
	dt, err := ParseDType(rest[:open])
	if err != nil {
		return Spec{}, errors.WithMessagef(err, "tensor spec %q", value)
	}
	spec.DType = dt
	for _, field := range strings.Split(rest[open+1:len(rest)-1], ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		dim, err := strconv.Atoi(field)
		if err != nil {
			return Spec{}, errors.Wrapf(err, "tensor spec %q: bad dimension %q", value, field)
		}
		spec.Shape = append(spec.Shape, dim)
	}
	return spec, nil
}

type specJSON struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

func (s Spec) MarshalJSON() ([]byte, error) {
	return json.Marshal(specJSON{Name: s.Name, DType: ShortName(s.DType), Shape: s.Shape})
}

func (s *Spec) UnmarshalJSON(data []byte) error {
	var raw specJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	dt, err := ParseDType(raw.DType)
	if err != nil {
		return err
	}
	*s = Spec{Name: raw.Name, DType: dt, Shape: raw.Shape}
	return nil
}

// TotalBytes sums ByteSize over specs.
func TotalBytes(specs []Spec) int {
	total := 0
	for _, s := range specs {
		total += s.ByteSize()
	}
	return total
}

func elementSize(dt dtypes.DType) (int, bool) {
	switch dt {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
		dtypes.Int8, dtypes.Int32, dtypes.Int64, dtypes.Uint8, dtypes.Uint32, dtypes.Bool:
		return int(dt.Memory()), true
	}
	return 0, false
}
