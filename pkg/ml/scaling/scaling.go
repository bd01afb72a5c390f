// Package scaling implements the delayed scaling recipe for 8-bit float tensors.
//
// Every operation producing an 8-bit float tensor asks a Provider for the scaling metadata
// (amax history, scale and scale_inv) of its output, in call order. A Persistent provider hands
// out the same metadata for the same call position on every iteration, and NextIteration updates
// the scales from the amax values observed in the previous iterations.
package scaling

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sequential/pkg/core/dtypes"
	"github.com/gomlx/sequential/pkg/core/dtypes/float8"
	"github.com/gomlx/sequential/pkg/core/tensors"
	"github.com/gomlx/sequential/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// Format selects which 8-bit float dtypes are used for the forward and backward passes.
type Format int

const (
	// Hybrid uses Float8E4M3FN for forward tensors and Float8E5M2 (wider range) for gradients.
	Hybrid Format = iota

	// E4M3 uses Float8E4M3FN everywhere.
	E4M3
)

// Forward returns the dtype used for forward tensors.
func (f Format) Forward() dtypes.DType { return dtypes.F8E4M3FN }

// Backward returns the dtype used for gradients.
func (f Format) Backward() dtypes.DType {
	if f == Hybrid {
		return dtypes.F8E5M2
	}
	return dtypes.F8E4M3FN
}

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case Hybrid:
		return "Hybrid"
	case E4M3:
		return "E4M3"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Recipe configures how scales are derived from the observed amax values.
type Recipe struct {
	// Margin is the exponent of a power of 2 used to back off from the maximum representable value.
	Margin int

	// AmaxHistoryLen is the number of iterations of amax values considered.
	AmaxHistoryLen int

	Format Format
}

// DefaultRecipe returns margin 0, an amax history of 16 iterations and the Hybrid format.
func DefaultRecipe() Recipe {
	return Recipe{Margin: 0, AmaxHistoryLen: 16, Format: Hybrid}
}

// Meta is the scaling metadata of one 8-bit float tensor.
//
// All buffers are float32. Amax holds the history, with the most recent value at index 0;
// Scale and ScaleInv have one element.
type Meta struct {
	DType                 dtypes.DType
	Amax, Scale, ScaleInv *tensors.Buffer
}

// NewMeta creates metadata with an empty amax history and unit scale.
func NewMeta(dtype dtypes.DType, historyLen int) *Meta {
	if !dtype.IsFloat8() {
		exceptions.Panicf("scaling.NewMeta(%s): only 8-bit float dtypes are scaled", dtype)
	}
	return &Meta{
		DType:    dtype,
		Amax:     tensors.FromFloat32s(dtypes.Float32, make([]float32, max(historyLen, 1)), max(historyLen, 1)),
		Scale:    tensors.Scalar(1),
		ScaleInv: tensors.Scalar(1),
	}
}

// Attach makes t use the metadata.
func (m *Meta) Attach(t *tensors.Tensor) {
	t.SetMeta(m.Amax, m.Scale, m.ScaleInv)
}

// ScaleValue returns the current scale.
func (m *Meta) ScaleValue() float32 { return m.Scale.Float32s()[0] }

// update recomputes scale and scale_inv from the amax history, and rolls the history so that
// the next observed value goes into position 0.
func (m *Meta) update(recipe Recipe) {
	history := m.Amax.Float32s()
	amax := xslices.Max(history)
	scale := float32(1)
	if amax > 0 {
		scale = float8.MaxValue(m.DType) / (amax * float32(math.Pow(2, float64(recipe.Margin))))
		if math.IsInf(float64(scale), 0) || math.IsNaN(float64(scale)) {
			scale = 1
		}
	}
	m.Scale.SetFloat32s([]float32{scale})
	m.ScaleInv.SetFloat32s([]float32{1 / scale})
	copy(history[1:], history[:len(history)-1])
	history[0] = 0
	m.Amax.SetFloat32s(history)
}

// Provider hands out the scaling metadata for the 8-bit float outputs of one pass, in call order.
type Provider interface {
	Next(dtype dtypes.DType) *Meta
}

// Persistent is a Provider that keeps the metadata across iterations: the i-th call to Next of every
// iteration returns the same Meta.
//
// It is not safe for concurrent use.
type Persistent struct {
	name      string
	recipe    Recipe
	metas     []*Meta
	cursor    int
	iteration int
}

var _ Provider = (*Persistent)(nil)

// NewPersistent creates an empty provider. The name is only used for logging.
func NewPersistent(name string, recipe Recipe) *Persistent {
	return &Persistent{name: name, recipe: recipe}
}

// Next implements Provider. Metadata are created on first use.
//
// It panics if the dtype requested differs from the dtype of the previous iterations at the same position,
// which means the sequence of operations changed.
func (p *Persistent) Next(dtype dtypes.DType) *Meta {
	if p.cursor == len(p.metas) {
		p.metas = append(p.metas, NewMeta(dtype, p.recipe.AmaxHistoryLen))
	}
	m := p.metas[p.cursor]
	if m.DType != dtype {
		exceptions.Panicf("scaling.Persistent(%s): call #%d asked for %s, previous iterations used %s",
			p.name, p.cursor, dtype, m.DType)
	}
	p.cursor++
	return m
}

// NextIteration updates the scales from the amax history and rewinds the provider.
func (p *Persistent) NextIteration() {
	if p.iteration > 0 && p.cursor != len(p.metas) {
		klog.Warningf("scaling.Persistent(%s): iteration %d used %d of %d metadata", p.name, p.iteration, p.cursor, len(p.metas))
	}
	for _, m := range p.metas {
		m.update(p.recipe)
	}
	p.cursor = 0
	p.iteration++
}

// Len returns the number of metadata created so far.
func (p *Persistent) Len() int { return len(p.metas) }

// Iteration returns the number of calls to NextIteration.
func (p *Persistent) Iteration() int { return p.iteration }
