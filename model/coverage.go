package model

// CoverageSample is one recorded measurement of aggregate coverage.
// Step is the 1-based tick that produced it.
type CoverageSample struct {
	Step            int
	CoveredTiles    int
	CoveragePercent float64
}

// Footprint is a satellite's sensor disc projected onto the grid plane.
type Footprint struct {
	ID     SatelliteID
	Center Position
	Radius float64
}
