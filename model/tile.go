package model

// TileIndex addresses one cell of the surface grid.
type TileIndex struct {
	Row int
	Col int
}

// Tile is one immutable cell of the surface grid with its centre in
// kilometres on the flat projection.
type Tile struct {
	Row    int
	Col    int
	Center Position
}

// Index returns the (row, col) address of the tile.
func (t Tile) Index() TileIndex {
	return TileIndex{Row: t.Row, Col: t.Col}
}
