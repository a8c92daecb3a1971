package shard

import "hash/fnv"

/*
Selector decides which shard of a lock table guards a given id. Spreading ids
over shards keeps unrelated mutations from contending on one table mutex.
*/
type Selector interface {
	Select(id string, shards int) int
}

// FNVSelector hashes the id with 32-bit FNV-1a.
type FNVSelector struct{}

func hash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// Select maps the id onto [0, shards).
func (FNVSelector) Select(id string, shards int) int {
	return int(hash(id) % uint32(shards))
}
