package coupling

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/notargets/gocouple/utils"
)

// RankRange is the contiguous block [Start, Start+Size) of global ranks run
// by one solver.
type RankRange struct {
	Start, Size int
}

func (r RankRange) End() int { return r.Start + r.Size }

func (r RankRange) Contains(rank int) bool {
	return rank >= r.Start && rank < r.End()
}

// String uses the same "start:end" form ParseRankRange reads.
func (r RankRange) String() string {
	return fmt.Sprintf("%d:%d", r.Start, r.End())
}

// ParseRankRange reads "start:end" (end excluded) or a single rank "n".
func ParseRankRange(s string) (r RankRange, err error) {
	var (
		splits     = strings.Split(strings.TrimSpace(s), ":")
		start, end int
	)
	if len(splits) > 2 {
		return r, fmt.Errorf("%w: range %q", ErrTopology, s)
	}
	if start, err = strconv.Atoi(strings.TrimSpace(splits[0])); err != nil {
		return r, fmt.Errorf("%w: range %q: %v", ErrTopology, s, err)
	}
	end = start + 1
	if len(splits) == 2 {
		if end, err = strconv.Atoi(strings.TrimSpace(splits[1])); err != nil {
			return r, fmt.Errorf("%w: range %q: %v", ErrTopology, s, err)
		}
	}
	if start < 0 || end <= start {
		return r, fmt.Errorf("%w: range %q is empty", ErrTopology, s)
	}
	return RankRange{Start: start, Size: end - start}, nil
}

// SplitPool divides a pool between two solvers, the first block taking the
// extra rank of an odd pool.
func SplitPool(poolSize int) (first, second RankRange) {
	pm := utils.NewPartitionMap(2, poolSize)
	k0, k1 := pm.GetBucketRange(0)
	first = RankRange{Start: k0, Size: k1 - k0}
	k0, k1 = pm.GetBucketRange(1)
	second = RankRange{Start: k0, Size: k1 - k0}
	return
}

// Topology places this process in the combined pool.
type Topology struct {
	PoolSize     int
	Mine, Theirs RankRange
	GlobalRank   int
	LocalRank    int
}

// ResolveTopology checks that mine and theirs partition [0, poolSize) and
// locates globalRank inside mine.
func ResolveTopology(poolSize, globalRank int, mine, theirs RankRange) (topo Topology, err error) {
	switch {
	case mine.Size < 1 || theirs.Size < 1:
		err = fmt.Errorf("%w: both solvers need at least one rank (%s, %s)", ErrTopology, mine, theirs)
	case mine.Start < 0 || theirs.Start < 0:
		err = fmt.Errorf("%w: negative rank in %s or %s", ErrTopology, mine, theirs)
	case mine.Start < theirs.End() && theirs.Start < mine.End():
		err = fmt.Errorf("%w: ranges %s and %s overlap", ErrTopology, mine, theirs)
	case mine.Size+theirs.Size != poolSize ||
		min(mine.Start, theirs.Start) != 0 || max(mine.End(), theirs.End()) != poolSize:
		err = fmt.Errorf("%w: ranges %s and %s do not cover a pool of %d",
			ErrTopology, mine, theirs, poolSize)
	case !mine.Contains(globalRank):
		err = fmt.Errorf("%w: rank %d is not in its own range %s", ErrTopology, globalRank, mine)
	}
	if err != nil {
		return
	}
	topo = Topology{
		PoolSize:   poolSize,
		Mine:       mine,
		Theirs:     theirs,
		GlobalRank: globalRank,
		LocalRank:  globalRank - mine.Start,
	}
	return
}

// TheirGlobal maps a rank of the other solver to the pool.
func (t Topology) TheirGlobal(local int) int { return t.Theirs.Start + local }

// MineFirst reports whether this solver holds the lower block of the pool.
// Both solvers derive message tags from it so that the two exchange
// directions never share a tag.
func (t Topology) MineFirst() bool { return t.Mine.Start < t.Theirs.Start }
