package pifm

// Broadcast FM in Europe uses a 50 µs time constant, the Americas 75 µs.
const preemphasisTau = 75e-6

// Preemphasis boosts high frequencies ahead of the modulator so that the
// receiver's de-emphasis network flattens them again.
type Preemphasis struct {
	k    float32
	last float32
}

func NewPreemphasis(sourceRate float64) *Preemphasis {
	return &Preemphasis{k: float32(sourceRate * preemphasisTau)}
}

// Process filters block in place and returns it.
func (p *Preemphasis) Process(block []float32) []float32 {
	for i, s := range block {
		block[i] = s + (p.last-s)/(1-p.k)
		p.last = s
	}
	return block
}
