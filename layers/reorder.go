package layers

// ReorderPermutation returns the channel permutation applied by a
// ChannelReorder node: the C channels are viewed as a branch x (C/branch)
// matrix and transposed, so out[a*branch+b] = in[b*(C/branch)+a].
//
// The returned slice maps output position to input position.
func ReorderPermutation(channels, branchFactor int) ([]int, error) {
	if channels <= 0 {
		return nil, NewConfigError("reorder", "channels must be positive, got %d", channels)
	}
	if branchFactor < 1 || channels%branchFactor != 0 {
		return nil, NewConfigError("reorder", "channels %d not divisible by branch factor %d", channels, branchFactor)
	}
	width := channels / branchFactor
	perm := make([]int, channels)
	for a := 0; a < width; a++ {
		for b := 0; b < branchFactor; b++ {
			perm[a*branchFactor+b] = b*width + a
		}
	}
	return perm, nil
}

// InvertPermutation returns inv such that inv[perm[i]] = i
func InvertPermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

// ApplyPermutation gathers values along the channel axis: out[i] = in[perm[i]].
// values holds len(perm) contiguous channel planes of planeSize elements each.
func ApplyPermutation(values []float32, perm []int, planeSize int) ([]float32, error) {
	if planeSize <= 0 {
		return nil, NewConfigError("reorder", "plane size must be positive, got %d", planeSize)
	}
	if len(values) != len(perm)*planeSize {
		return nil, NewConfigError("reorder", "expected %d values for %d channels, got %d",
			len(perm)*planeSize, len(perm), len(values))
	}
	out := make([]float32, len(values))
	for i, src := range perm {
		copy(out[i*planeSize:(i+1)*planeSize], values[src*planeSize:(src+1)*planeSize])
	}
	return out, nil
}
