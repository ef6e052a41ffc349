// Package membership computes partition ownership for one member of a fixed
// peer group. It is a pure function over (memberNumber, clusterSize,
// numPartitions): no I/O, no shared state, safe to call from any goroutine.
package membership

import "fmt"

// MaxClusterSize bounds clusterSize; the supervisor treats a cluster size
// above this as a configuration error, never a runtime one.
const MaxClusterSize = 1024

// ConfigError reports an invalid (memberNumber, clusterSize, numPartitions)
// combination. It is always a startup-time failure.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "membership: " + e.Reason }

// Group describes one member's position within a peer group.
type Group struct {
	MemberNumber int // 1-indexed, in [1, ClusterSize]
	ClusterSize  int // N, in [1, MaxClusterSize]
}

// Validate checks the group configuration in isolation from any partition
// count, matching the part of validation the supervisor can do before P is
// known (see config.ResolveMembership).
func (g Group) Validate() error {
	if g.ClusterSize < 1 || g.ClusterSize > MaxClusterSize {
		return &ConfigError{Reason: fmt.Sprintf("clusterSize %d out of range [1,%d]", g.ClusterSize, MaxClusterSize)}
	}
	if g.MemberNumber < 1 || g.MemberNumber > g.ClusterSize {
		return &ConfigError{Reason: fmt.Sprintf("memberNumber %d out of range [1,%d]", g.MemberNumber, g.ClusterSize)}
	}
	return nil
}

// Partitions returns the set of partitions owned by this member out of
// numPartitions total partitions, assigning partition p to the member m for
// which (p mod N) + 1 == m.
//
// Returns ConfigError if the group is invalid, or if numPartitions < the
// cluster size (which would force some members to own nothing — "more
// workers than partitions").
func (g Group) Partitions(numPartitions int) ([]int, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if numPartitions < g.ClusterSize {
		return nil, &ConfigError{Reason: fmt.Sprintf("more workers than partitions: clusterSize=%d numPartitions=%d", g.ClusterSize, numPartitions)}
	}

	owned := make([]int, 0, numPartitions/g.ClusterSize+1)
	for p := 0; p < numPartitions; p++ {
		if p%g.ClusterSize == g.MemberNumber-1 {
			owned = append(owned, p)
		}
	}
	return owned, nil
}

// Owns reports whether this member owns partition p out of numPartitions.
func (g Group) Owns(p, numPartitions int) bool {
	if p < 0 || p >= numPartitions {
		return false
	}
	return p%g.ClusterSize == g.MemberNumber-1
}
