package prompt

import (
	"fmt"
)

// ProgramKey names the program tensor in a state dict.
const ProgramKey = "program"

// StateTensor is a serializable copy of a named prompt tensor.
type StateTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// StateDict copies the prompt's trainable state.
func (p *ExpansiveVisualPrompt) StateDict() []StateTensor {
	data := p.program.Data.([]float32)
	copied := make([]float32, len(data))
	copy(copied, data)
	return []StateTensor{{Name: ProgramKey, Shape: p.program.Size(), Data: copied}}
}

// LoadStateDict restores state saved by StateDict. The program keeps its
// identity so optimizer state keyed by it stays valid.
func (p *ExpansiveVisualPrompt) LoadStateDict(state []StateTensor) error {
	for _, st := range state {
		if st.Name != ProgramKey {
			return fmt.Errorf("unexpected prompt state %q", st.Name)
		}
		if len(st.Shape) != len(p.program.Shape) {
			return fmt.Errorf("program shape %v does not match %v", st.Shape, p.program.Shape)
		}
		for i := range st.Shape {
			if st.Shape[i] != p.program.Shape[i] {
				return fmt.Errorf("program shape %v does not match %v", st.Shape, p.program.Shape)
			}
		}
		data := make([]float32, len(st.Data))
		copy(data, st.Data)
		if err := p.program.SetData(data); err != nil {
			return fmt.Errorf("failed to restore program: %v", err)
		}
		return nil
	}
	return fmt.Errorf("prompt state has no %q entry", ProgramKey)
}
