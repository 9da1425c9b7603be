package fl

import (
	"fmt"
	"math"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense row-major array. Integer tensors hold counters and are
// floor-divided when averaged.
type Tensor struct {
	Shape   []int     `cbor:"shape"             json:"shape"`
	Data    []float64 `cbor:"data"              json:"data"`
	Integer bool      `cbor:"integer,omitempty" json:"integer,omitempty"`
}

func NewTensor(data []float64, shape ...int) Tensor {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}

	return Tensor{Shape: slices.Clone(shape), Data: slices.Clone(data)}
}

func (t Tensor) clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data), Integer: t.Integer}
}

func (t Tensor) validate() error {
	size := 1
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension %d", ErrShapeMismatch, d)
		}
		if d > 0 && size > math.MaxInt/d {
			return fmt.Errorf("%w: shape %v overflows", ErrShapeMismatch, t.Shape)
		}
		size *= d
	}
	if size != len(t.Data) {
		return fmt.Errorf("%w: shape %v holds %d values, got %d", ErrShapeMismatch, t.Shape, size, len(t.Data))
	}

	return nil
}

func (t Tensor) sameLayout(o Tensor) bool {
	return slices.Equal(t.Shape, o.Shape) && t.Integer == o.Integer
}

// WeightSet is an immutable set of named tensors. Every operation returns a
// new WeightSet; callers never observe shared backing arrays.
type WeightSet struct {
	tensors map[string]Tensor
}

func NewWeightSet(tensors map[string]Tensor) (WeightSet, error) {
	ws := WeightSet{tensors: make(map[string]Tensor, len(tensors))}
	for name, t := range tensors {
		if name == "" {
			return WeightSet{}, fmt.Errorf("%w: empty tensor name", ErrShapeMismatch)
		}
		if err := t.validate(); err != nil {
			return WeightSet{}, fmt.Errorf("tensor %q: %w", name, err)
		}
		ws.tensors[name] = t.clone()
	}

	return ws, nil
}

func (ws WeightSet) IsEmpty() bool {
	return len(ws.tensors) == 0
}

func (ws WeightSet) Len() int {
	return len(ws.tensors)
}

// Names returns tensor names in sorted order.
func (ws WeightSet) Names() []string {
	names := make([]string, 0, len(ws.tensors))
	for name := range ws.tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

func (ws WeightSet) Tensor(name string) (Tensor, bool) {
	t, ok := ws.tensors[name]
	if !ok {
		return Tensor{}, false
	}

	return t.clone(), true
}

func (ws WeightSet) Clone() WeightSet {
	out := WeightSet{tensors: make(map[string]Tensor, len(ws.tensors))}
	for name, t := range ws.tensors {
		out.tensors[name] = t.clone()
	}

	return out
}

func (ws WeightSet) SameLayout(o WeightSet) bool {
	if len(ws.tensors) != len(o.tensors) {
		return false
	}
	for name, t := range ws.tensors {
		ot, ok := o.tensors[name]
		if !ok || !t.sameLayout(ot) {
			return false
		}
	}

	return true
}

func (ws WeightSet) Scale(c float64) WeightSet {
	out := ws.Clone()
	for _, t := range out.tensors {
		floats.Scale(c, t.Data)
	}

	return out
}

func (ws WeightSet) Add(o WeightSet) (WeightSet, error) {
	return ws.AddScaled(1, o)
}

// AddScaled returns ws + alpha*o.
func (ws WeightSet) AddScaled(alpha float64, o WeightSet) (WeightSet, error) {
	if !ws.SameLayout(o) {
		return WeightSet{}, ErrShapeMismatch
	}
	out := ws.Clone()
	for name, t := range out.tensors {
		if alpha == 1 {
			floats.Add(t.Data, o.tensors[name].Data)

			continue
		}
		floats.AddScaled(t.Data, alpha, o.tensors[name].Data)
	}

	return out, nil
}

func (ws WeightSet) Sub(o WeightSet) (WeightSet, error) {
	if !ws.SameLayout(o) {
		return WeightSet{}, ErrShapeMismatch
	}
	out := ws.Clone()
	for name, t := range out.tensors {
		floats.Sub(t.Data, o.tensors[name].Data)
	}

	return out, nil
}

// Divide divides every element by n; integer tensors are floor-divided.
func (ws WeightSet) Divide(n float64) WeightSet {
	out := ws.Clone()
	for _, t := range out.tensors {
		for i := range t.Data {
			t.Data[i] /= n
			if t.Integer {
				t.Data[i] = math.Floor(t.Data[i])
			}
		}
	}

	return out
}

// FloorIntegers rounds integer tensors down after a weighted merge.
func (ws WeightSet) FloorIntegers() WeightSet {
	out := ws.Clone()
	for _, t := range out.tensors {
		if !t.Integer {
			continue
		}
		for i := range t.Data {
			t.Data[i] = math.Floor(t.Data[i])
		}
	}

	return out
}

// SquaredNorm sums the squares of all floating-point elements.
func (ws WeightSet) SquaredNorm() float64 {
	var sum float64
	for _, t := range ws.tensors {
		if t.Integer {
			continue
		}
		sum += floats.Dot(t.Data, t.Data)
	}

	return sum
}

func (ws WeightSet) Equal(o WeightSet) bool {
	if !ws.SameLayout(o) {
		return false
	}
	for name, t := range ws.tensors {
		if !floats.Equal(t.Data, o.tensors[name].Data) {
			return false
		}
	}

	return true
}

// EqualApprox compares element-wise within tol.
func (ws WeightSet) EqualApprox(o WeightSet, tol float64) bool {
	if !ws.SameLayout(o) {
		return false
	}
	for name, t := range ws.tensors {
		if !floats.EqualApprox(t.Data, o.tensors[name].Data, tol) {
			return false
		}
	}

	return true
}

func (ws WeightSet) MarshalCBOR() ([]byte, error) {
	if ws.tensors == nil {
		return cbor.Marshal(map[string]Tensor{})
	}

	return encMode.Marshal(ws.tensors)
}

func (ws *WeightSet) UnmarshalCBOR(data []byte) error {
	var tensors map[string]Tensor
	if err := cbor.Unmarshal(data, &tensors); err != nil {
		return err
	}
	decoded, err := NewWeightSet(tensors)
	if err != nil {
		return err
	}
	*ws = decoded

	return nil
}
