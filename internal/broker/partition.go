package broker

import "github.com/cespare/xxhash/v2"

// Partition maps key onto one of n partitions. Equal keys always share a partition.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}

	return int(xxhash.Sum64String(key) % uint64(n))
}

// Partitions returns 0..n-1.
func Partitions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}

	return out
}
