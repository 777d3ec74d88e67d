// Package weights holds named float32 parameter sets for the frozen
// classifier and reconciles a base weight set with a pruning mask.
package weights

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/go-vp/tensor"
)

// DefaultPrefixes are the wrapper prefixes stripped from parameter names.
var DefaultPrefixes = []string{"model.", "module."}

// ErrMaskMismatch is wrapped by every ConfigError raised during reconciliation.
var ErrMaskMismatch = errors.New("mask does not match base weights")

// ConfigError reports a weight set that cannot be used to build the classifier.
type ConfigError struct {
	Name   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("weights config: %s", e.Reason)
	}
	return fmt.Sprintf("weights config: %s: %s", e.Name, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type Tensor struct {
	Shape []int
	Data  []float32
}

func (t *Tensor) NumElems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t *Tensor) Clone() *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: shape, Data: data}
}

// ToTensor copies t into a frozen tensor.Tensor.
func (t *Tensor) ToTensor() (*tensor.Tensor, error) {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	out, err := tensor.NewTensor(t.Shape, tensor.Float32, data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert weight tensor: %w", err)
	}
	return out, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Set maps parameter names to tensors.
type Set map[string]*Tensor

// Names returns the parameter names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for name, t := range s {
		out[name] = t.Clone()
	}
	return out
}

// NormalizeName strips any leading prefix in prefixes, repeatedly, so that
// NormalizeName(NormalizeName(n)) == NormalizeName(n).
func NormalizeName(name string, prefixes []string) string {
	for {
		stripped := false
		for _, p := range prefixes {
			if p != "" && strings.HasPrefix(name, p) {
				name = strings.TrimPrefix(name, p)
				stripped = true
			}
		}
		if !stripped {
			return name
		}
	}
}

type ReconcileOptions struct {
	// Prefixes defaults to DefaultPrefixes when nil.
	Prefixes []string
}

func (o ReconcileOptions) prefixes() []string {
	if o.Prefixes == nil {
		return DefaultPrefixes
	}
	return o.Prefixes
}

func normalizeSet(s Set, prefixes []string, what string) (Set, error) {
	out := make(Set, len(s))
	for _, name := range s.Names() {
		key := NormalizeName(name, prefixes)
		if _, dup := out[key]; dup {
			return nil, &ConfigError{
				Name:   name,
				Reason: fmt.Sprintf("%s name collides with another after normalization as %q", what, key),
				Err:    ErrMaskMismatch,
			}
		}
		out[key] = s[name]
	}
	return out, nil
}

// Reconcile builds the weight set of a pruned network: every masked
// parameter becomes mask ⊙ base, every other base parameter passes through.
// The result has exactly the normalized base names. Inputs are not modified.
func Reconcile(base, mask Set, opts ReconcileOptions) (Set, error) {
	prefixes := opts.prefixes()
	nb, err := normalizeSet(base, prefixes, "base")
	if err != nil {
		return nil, err
	}
	nm, err := normalizeSet(mask, prefixes, "mask")
	if err != nil {
		return nil, err
	}

	result := make(Set, len(nb))
	for _, name := range nm.Names() {
		m := nm[name]
		b, ok := nb[name]
		if !ok {
			return nil, &ConfigError{Name: name, Reason: "mask entry has no base weight", Err: ErrMaskMismatch}
		}
		if !sameShape(m.Shape, b.Shape) || len(m.Data) != len(b.Data) {
			return nil, &ConfigError{
				Name:   name,
				Reason: fmt.Sprintf("mask shape %v does not match base shape %v", m.Shape, b.Shape),
				Err:    ErrMaskMismatch,
			}
		}
		prod := &Tensor{Shape: append([]int(nil), b.Shape...), Data: make([]float32, len(b.Data))}
		for i := range b.Data {
			prod.Data[i] = m.Data[i] * b.Data[i]
		}
		result[name] = prod
	}
	for name, b := range nb {
		if _, done := result[name]; !done {
			result[name] = b.Clone()
		}
	}
	return result, nil
}

// Sparsity returns the percentage of non-zero elements across the named
// tensors. With no names it covers every tensor of rank two or more, which
// are the dense and convolution weights.
func Sparsity(s Set, names []string) float64 {
	if len(names) == 0 {
		for _, name := range s.Names() {
			if len(s[name].Shape) >= 2 {
				names = append(names, name)
			}
		}
	}
	var total, zeros float64
	for _, name := range names {
		t, ok := s[name]
		if !ok {
			continue
		}
		for _, v := range t.Data {
			if v == 0 {
				zeros++
			}
		}
		total += float64(len(t.Data))
	}
	if total == 0 {
		return 100
	}
	return 100 * (1 - zeros/total)
}
