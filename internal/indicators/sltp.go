package indicators

import (
	"fmt"
	"math"
)

// Percentage floors keep stops outside microstructure noise even when the
// short-timeframe ATR collapses.
const (
	DefaultSLFloorPct = 0.025
	DefaultTPFloorPct = 0.050
)

// ComputeSLTP derives absolute stop-loss and take-profit prices from an ATR
// value. Distances are the larger of atr*mult and entry*floorPct. direction
// is "long" or "short". For longs sl < entry < tp; shorts are mirrored.
func ComputeSLTP(direction string, entry, atr, slMult, tpMult, slFloorPct, tpFloorPct float64) (sl, tp float64, err error) {
	if entry <= 0 {
		return 0, 0, fmt.Errorf("invalid entry price %v", entry)
	}
	if math.IsNaN(atr) || atr < 0 {
		atr = 0
	}
	if slFloorPct <= 0 {
		slFloorPct = DefaultSLFloorPct
	}
	if tpFloorPct <= 0 {
		tpFloorPct = DefaultTPFloorPct
	}

	slDist := math.Max(atr*slMult, entry*slFloorPct)
	tpDist := math.Max(atr*tpMult, entry*tpFloorPct)

	switch direction {
	case "long":
		return entry - slDist, entry + tpDist, nil
	case "short":
		return entry + slDist, entry - tpDist, nil
	default:
		return 0, 0, fmt.Errorf("invalid direction %q", direction)
	}
}
