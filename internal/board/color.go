package board

import (
	"sync"

	"github.com/lucasb-eyer/go-colorful"
)

const goldenRatio = 0.618033988749895

// ColorGenerator hands out well separated viewer colors, one board at a time.
type ColorGenerator struct {
	mu      sync.Mutex
	counter int
}

func NewColorGenerator() *ColorGenerator {
	return &ColorGenerator{}
}

// NextColor: next hue in the golden ratio sequence, as a hex string
func (cg *ColorGenerator) NextColor() string {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	hue := float64(cg.counter) * goldenRatio
	hue -= float64(int(hue))
	cg.counter++

	return colorful.Hsl(hue*360, 0.85, 0.55).Hex()
}
