package core

import "github.com/signalsfoundry/stellarbot/model"

// Default heat parameters: covered tiles warm by HeatGain per update (capped
// at 1) and uncovered tiles cool by the HeatDecay factor.
const (
	HeatGain  = 0.1
	HeatDecay = 0.98
)

// Heatmap accumulates how persistently each tile has been covered.
// Intensities live in [0, 1].
type Heatmap struct {
	width     int
	height    int
	gain      float64
	decay     float64
	intensity []float64
}

// NewHeatmap sizes a heatmap for grid using the default gain and decay.
func NewHeatmap(grid *SurfaceGrid) *Heatmap {
	return NewHeatmapWithRates(grid, HeatGain, HeatDecay)
}

// NewHeatmapWithRates sizes a heatmap for grid with custom rates.
func NewHeatmapWithRates(grid *SurfaceGrid, gain, decay float64) *Heatmap {
	return &Heatmap{
		width:     grid.Width(),
		height:    grid.Height(),
		gain:      gain,
		decay:     decay,
		intensity: make([]float64, grid.Len()),
	}
}

// Update warms the covered tiles and cools every other tile.
func (h *Heatmap) Update(covered []model.TileIndex) {
	hit := make([]bool, len(h.intensity))
	for _, idx := range covered {
		if idx.Row < 0 || idx.Row >= h.height || idx.Col < 0 || idx.Col >= h.width {
			continue
		}
		hit[idx.Row*h.width+idx.Col] = true
	}
	for i := range h.intensity {
		if hit[i] {
			h.intensity[i] = min(1.0, h.intensity[i]+h.gain)
		} else {
			h.intensity[i] *= h.decay
		}
	}
}

// Intensity returns the heat of one tile, 0 for addresses off the grid.
func (h *Heatmap) Intensity(idx model.TileIndex) float64 {
	if idx.Row < 0 || idx.Row >= h.height || idx.Col < 0 || idx.Col >= h.width {
		return 0
	}
	return h.intensity[idx.Row*h.width+idx.Col]
}

// Snapshot copies the intensities row-major.
func (h *Heatmap) Snapshot() []float64 {
	out := make([]float64, len(h.intensity))
	copy(out, h.intensity)
	return out
}

// Reset cools every tile to zero.
func (h *Heatmap) Reset() {
	clear(h.intensity)
}
