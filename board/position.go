package board

// PositionStep is the base position of an empty column and the gap appended
// after the last item of a column.
const PositionStep = 1000.0

// ComputePosition returns the position for an item inserted at targetIndex into
// a column whose items currently hold the given ordered positions. The dragged
// item must already be excluded from positions.
//
// The result sorts strictly between its neighbours, or outside the existing
// range at either end, so siblings never need renumbering.
func ComputePosition(positions []float64, targetIndex int) float64 {
	n := len(positions)
	if n == 0 {
		return PositionStep
	}
	if targetIndex <= 0 {
		if positions[0] > 0 {
			return positions[0] / 2
		}
		return positions[0] - PositionStep
	}
	if targetIndex >= n {
		return positions[n-1] + PositionStep
	}
	return (positions[targetIndex-1] + positions[targetIndex]) / 2
}

// EvenPositions returns n evenly spaced positions starting at PositionStep.
func EvenPositions(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i+1) * PositionStep
	}
	return out
}
