package util

import (
	"encoding/binary"
	"hash/fnv"
)

func HashId(vertexId uint64) uint64 {
	inputBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(inputBytes, vertexId)

	algorithm := fnv.New64a()
	algorithm.Write(inputBytes)
	return algorithm.Sum64()
}

// Owner returns the rank of the worker that owns vertexId in a cluster of
// numWorkers workers. Every worker computes the same answer.
func Owner(vertexId uint64, numWorkers uint32) uint32 {
	if numWorkers <= 1 {
		return 0
	}
	return uint32(HashId(vertexId) % uint64(numWorkers))
}
