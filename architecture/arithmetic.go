package architecture

// GrowthFactor is the channel multiplier applied at each stage transition
const GrowthFactor = 2

// stemAndHead is the number of weighted layers outside the stages: the stem
// convolution and the classifier.
const stemAndHead = 2

// UniformBlockCounts splits depth-2 single-convolution blocks evenly across
// numStages. Depths that do not divide evenly are rejected rather than
// truncated.
func UniformBlockCounts(depth, numStages int) ([]int, error) {
	if numStages <= 0 {
		return nil, configError("block counts", "number of stages must be positive, got %d", numStages)
	}
	perStage := (depth - stemAndHead) / numStages
	if (depth-stemAndHead)%numStages != 0 || perStage <= 0 {
		return nil, configError("block counts", "invalid depth %d: blocks per stage would be %.2f",
			depth, float64(depth-stemAndHead)/float64(numStages))
	}
	counts := make([]int, numStages)
	for i := range counts {
		counts[i] = perStage
	}
	return counts, nil
}

// DecreasingBlockCounts derives per-stage block counts for residual networks.
// Each stage divides the depth not yet accounted for by the stages remaining,
// so the divisor is recomputed at every step.
func DecreasingBlockCounts(depth, numStages, blockDepth, exclusion int) ([]int, error) {
	if numStages <= 0 || blockDepth <= 0 {
		return nil, configError("block counts", "stages (%d) and block depth (%d) must be positive", numStages, blockDepth)
	}
	counts := make([]int, numStages)
	excluded := exclusion
	for i := 0; i < numStages; i++ {
		remaining := numStages - i
		counts[i] = (depth - excluded) / (blockDepth * remaining)
		excluded += counts[i] * blockDepth
	}
	for _, c := range counts {
		if c <= 0 {
			return nil, configError("block counts", "invalid depth %d: block counts %v", depth, counts)
		}
	}
	if excluded != depth {
		return nil, configError("block counts", "invalid depth %d: block counts %v reproduce depth %d", depth, counts, excluded)
	}
	return counts, nil
}

var imageNetBlockCounts = map[int][]int{
	18: {2, 2, 2, 2},
	34: {3, 4, 6, 3},
}

// ImageNetBlockCounts returns the fixed four-stage block table for the
// ImageNet residual depths.
func ImageNetBlockCounts(depth int) ([]int, error) {
	counts, ok := imageNetBlockCounts[depth]
	if !ok {
		return nil, configError("block counts", "invalid depth %d: ImageNet networks support depths 18 and 34", depth)
	}
	out := make([]int, len(counts))
	copy(out, counts)
	return out, nil
}

// StageWidths returns the output channel width of every stage. With
// growFromStem the first stage already doubles the base width; otherwise the
// first stage keeps it and doubling starts at the second.
func StageWidths(base, numStages int, growFromStem bool) []int {
	widths := make([]int, numStages)
	w := base
	if growFromStem {
		w *= GrowthFactor
	}
	for i := range widths {
		widths[i] = w
		w *= GrowthFactor
	}
	return widths
}
