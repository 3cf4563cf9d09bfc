package core

import (
	"fmt"
	"iter"
	"math"

	"github.com/signalsfoundry/stellarbot/model"
)

// SurfaceGrid is an immutable lattice of tile centres laid over a flat
// projection of the body's surface. Width samples span [-R, R] along x and
// height samples span [-R, R] along y. It is safe for concurrent readers.
type SurfaceGrid struct {
	width  int
	height int
	radius float64

	xs []float64
	ys []float64

	// tiles is row-major: tiles[row*width+col].
	tiles []model.Tile
}

// NewSurfaceGrid builds the tile layout for a body of the given radius.
func NewSurfaceGrid(width, height int, radius float64) (*SurfaceGrid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: width=%d height=%d", ErrInvalidDimension, width, height)
	}
	if !positiveFinite(radius) {
		return nil, fmt.Errorf("%w: body radius %v", ErrInvalidRadius, radius)
	}

	g := &SurfaceGrid{
		width:  width,
		height: height,
		radius: radius,
		xs:     linspace(-radius, radius, width),
		ys:     linspace(-radius, radius, height),
		tiles:  make([]model.Tile, 0, width*height),
	}
	for row, y := range g.ys {
		for col, x := range g.xs {
			g.tiles = append(g.tiles, model.Tile{
				Row:    row,
				Col:    col,
				Center: model.Position{X: x, Y: y},
			})
		}
	}
	return g, nil
}

// Shape returns (height, width).
func (g *SurfaceGrid) Shape() (int, int) {
	return g.height, g.width
}

// Width returns the number of columns.
func (g *SurfaceGrid) Width() int { return g.width }

// Height returns the number of rows.
func (g *SurfaceGrid) Height() int { return g.height }

// Radius returns the body radius the grid was built for.
func (g *SurfaceGrid) Radius() float64 { return g.radius }

// Len returns the total number of tiles.
func (g *SurfaceGrid) Len() int { return len(g.tiles) }

// Index flattens a tile address into its row-major offset.
func (g *SurfaceGrid) Index(idx model.TileIndex) int {
	return idx.Row*g.width + idx.Col
}

// Tiles returns a read-only view over the full layout.
func (g *SurfaceGrid) Tiles() TileLayout {
	return TileLayout{grid: g}
}

// CoveredTiles returns, in row-major order, every tile whose centre lies at
// Euclidean distance <= radius from point. The boundary is inclusive.
//
// Rows and columns whose one-axis offset already exceeds radius are skipped
// before the pairwise test. The full distance is never smaller than the
// one-axis distance, so the result equals a scan over every tile.
func (g *SurfaceGrid) CoveredTiles(point model.Position, radius float64) []model.TileIndex {
	cols := make([]int, 0, g.width)
	for col, x := range g.xs {
		dx := x - point.X
		if math.Sqrt(dx*dx) <= radius {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return nil
	}

	var covered []model.TileIndex
	for row, y := range g.ys {
		dy := y - point.Y
		if math.Sqrt(dy*dy) > radius {
			continue
		}
		for _, col := range cols {
			dx := g.xs[col] - point.X
			if math.Sqrt(dx*dx+dy*dy) <= radius {
				covered = append(covered, model.TileIndex{Row: row, Col: col})
			}
		}
	}
	return covered
}

// TileLayout is a read-only view of a SurfaceGrid's tiles. It shares the
// grid's storage, so it always reflects the grid it came from.
type TileLayout struct {
	grid *SurfaceGrid
}

// Shape returns (height, width).
func (l TileLayout) Shape() (int, int) {
	return l.grid.Shape()
}

// Len returns the number of tiles.
func (l TileLayout) Len() int {
	return len(l.grid.tiles)
}

// At returns the tile at (row, col). It panics when the address is out of
// range, like a slice index.
func (l TileLayout) At(row, col int) model.Tile {
	if row < 0 || row >= l.grid.height || col < 0 || col >= l.grid.width {
		panic(fmt.Sprintf("tile (%d, %d) out of range for %dx%d grid", row, col, l.grid.height, l.grid.width))
	}
	return l.grid.tiles[row*l.grid.width+col]
}

// All iterates tiles in row-major order.
func (l TileLayout) All() iter.Seq[model.Tile] {
	return func(yield func(model.Tile) bool) {
		for _, t := range l.grid.tiles {
			if !yield(t) {
				return
			}
		}
	}
}
