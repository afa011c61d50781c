package utils

// PartitionMap splits the index range [0, MaxIndex) into ParallelDegree
// contiguous buckets whose sizes differ by at most one, larger buckets
// first. It places solver blocks in a process pool and cuts ordered element
// lists into slabs.
type PartitionMap struct {
	MaxIndex       int
	ParallelDegree int
	Partitions     [][2]int // [start, end) of each bucket
}

func NewPartitionMap(ParallelDegree, maxIndex int) (pm *PartitionMap) {
	if ParallelDegree < 1 || maxIndex < 0 {
		panic("partition map needs at least one bucket and a non negative range")
	}
	pm = &PartitionMap{
		MaxIndex:       maxIndex,
		ParallelDegree: ParallelDegree,
		Partitions:     make([][2]int, ParallelDegree),
	}
	for n := range pm.Partitions {
		pm.Partitions[n] = pm.Split1D(n)
	}
	return
}

// Split1D is the range of bucket n. The remainder of an uneven split goes
// one index each to the leading buckets.
func (pm *PartitionMap) Split1D(n int) (bucket [2]int) {
	var (
		size      = pm.MaxIndex / pm.ParallelDegree
		remainder = pm.MaxIndex % pm.ParallelDegree
	)
	bucket[0] = n*size + min(n, remainder)
	bucket[1] = bucket[0] + size
	if n < remainder {
		bucket[1]++
	}
	return
}

// GetBucket finds the bucket holding index k, or -1 when k is out of range.
func (pm *PartitionMap) GetBucket(k int) (bucketNum, kMin, kMax int) {
	_, bucketNum, kMin, kMax = pm.probe(k)
	return
}

// probe starts from the bucket an even split would give and walks to the
// right one, which is never more than one step away.
func (pm *PartitionMap) probe(k int) (tryCount, bucketNum, kMin, kMax int) {
	if k < 0 || k >= pm.MaxIndex {
		return 0, -1, 0, 0
	}
	bucketNum = pm.ParallelDegree * k / pm.MaxIndex
	for {
		kMin, kMax = pm.GetBucketRange(bucketNum)
		switch {
		case k < kMin:
			bucketNum--
		case k >= kMax:
			bucketNum++
		default:
			return
		}
		tryCount++
	}
}

func (pm *PartitionMap) GetBucketRange(bucketNum int) (kMin, kMax int) {
	return pm.Partitions[bucketNum][0], pm.Partitions[bucketNum][1]
}

// GetBucketDimension is the size of a bucket, or of the whole range for -1.
func (pm *PartitionMap) GetBucketDimension(bn int) int {
	if bn == -1 {
		return pm.MaxIndex
	}
	kMin, kMax := pm.GetBucketRange(bn)
	return kMax - kMin
}

// GetLocalK maps a global index to its offset inside its bucket.
func (pm *PartitionMap) GetLocalK(k int) (kLocal, kDim, bn int) {
	var kMin, kMax int
	bn, kMin, kMax = pm.GetBucket(k)
	return k - kMin, kMax - kMin, bn
}

func (pm *PartitionMap) GetGlobalK(kLocal, bn int) int {
	if bn == -1 {
		return kLocal
	}
	return pm.Partitions[bn][0] + kLocal
}
