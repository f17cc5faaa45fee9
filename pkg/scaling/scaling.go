/*
Package scaling holds the capacity arithmetic shared by the resize
planner and the policies that need to predict membership changes.
*/
package scaling

import (
	"math"
	"math/rand"

	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/types"
)

// Delta converts a resize request into a signed capacity change
// relative to current.
//
// For percentage adjustments the raw value is rounded half away from
// zero, and a result smaller in magnitude than min_step is bumped to
// min_step in the direction of the requested change, including a
// change that rounds to zero.
func Delta(current int, in *types.ResizeInputs) (int, error) {
	switch in.AdjustmentType {
	case types.ExactCapacity:
		return int(in.Number) - current, nil
	case types.ChangeInCapacity:
		return int(in.Number), nil
	case types.ChangeInPercentage:
		delta := int(math.Round(float64(current) * in.Number / 100))
		if in.Number != 0 && abs(delta) < in.MinStep {
			if in.Number > 0 {
				delta = in.MinStep
			} else {
				delta = -in.MinStep
			}
		}
		return delta, nil
	case "":
		return 0, nil
	default:
		return 0, errors.InvalidParameter("adjustment_type", in.AdjustmentType)
	}
}

// Bounds resolves the size bounds a resize leaves the cluster with,
// overlaying any new min/max from the request.
func Bounds(cluster *types.Cluster, in *types.ResizeInputs) (minSize, maxSize int) {
	minSize = cluster.MinSize
	maxSize = cluster.MaxSize
	if in.MinSize != nil {
		minSize = *in.MinSize
	}
	if in.MaxSize != nil {
		maxSize = *in.MaxSize
	}
	return minSize, maxSize
}

// Apply computes the final desired capacity for a resize. In strict
// mode a target outside the bounds is an error; otherwise it is
// clamped to the nearest bound.
func Apply(current int, delta, minSize, maxSize int, strict bool) (int, error) {
	desired := current + delta
	if desired < minSize {
		if strict {
			return 0, errors.BadRequest(
				"The target capacity (%d) is less than the cluster's min_size (%d)",
				desired, minSize)
		}
		desired = minSize
	}
	if maxSize >= 0 && desired > maxSize {
		if strict {
			return 0, errors.BadRequest(
				"The target capacity (%d) is greater than the cluster's max_size (%d)",
				desired, maxSize)
		}
		desired = maxSize
	}
	return desired, nil
}

// CheckSize verifies a desired capacity against explicit bounds. A
// maxSize of -1 means unbounded.
func CheckSize(desired, minSize, maxSize int) error {
	if desired < 0 {
		return errors.InvalidParameter("desired_capacity", desired)
	}
	if minSize < 0 {
		return errors.InvalidParameter("min_size", minSize)
	}
	if maxSize < -1 {
		return errors.InvalidParameter("max_size", maxSize)
	}
	if minSize > desired {
		return errors.BadRequest(
			"Cluster min_size, if specified, must be less than or equal to its desired_capacity")
	}
	if maxSize >= 0 && maxSize < desired {
		return errors.BadRequest(
			"Cluster max_size, if specified, must be greater than or equal to its desired_capacity. Setting max_size to -1 means no upper limit on cluster size")
	}
	if maxSize >= 0 && maxSize < minSize {
		return errors.BadRequest(
			"Cluster max_size, if specified, must be greater than or equal to its min_size. Setting max_size to -1 means no upper limit on cluster size")
	}
	return nil
}

// ChooseCandidates picks count victim nodes for a scale-in. Nodes in
// error states are preferred; the remainder is drawn at random so
// repeated shrinks spread wear across the membership.
func ChooseCandidates(nodes []*types.Node, count int) []string {
	if count <= 0 {
		return nil
	}
	if count > len(nodes) {
		count = len(nodes)
	}

	var bad, good []string
	for _, n := range nodes {
		if n.Status == types.NodeStatusError {
			bad = append(bad, n.ID)
		} else {
			good = append(good, n.ID)
		}
	}

	candidates := bad
	if len(candidates) < count {
		rand.Shuffle(len(good), func(i, j int) {
			good[i], good[j] = good[j], good[i]
		})
		candidates = append(candidates, good[:count-len(candidates)]...)
	}
	return candidates[:count]
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
