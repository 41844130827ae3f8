package schema

import "hash/fnv"

// MicroShardID deterministically maps a routing key onto a micro-shard in
// [0, m). Ingestion and the broker's shard selector must agree on this
// function for the lifetime of an index generation.
func MicroShardID(key string, m int) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(m))
}

// ShardOf maps a micro-shard onto its owning shard.
func ShardOf(microShard, numShards, numMicroShards int) int {
	return microShard / (numMicroShards / numShards)
}

// ShardForKey composes MicroShardID and ShardOf for the configured sharding.
func (s Sharding) ShardForKey(key string) int {
	return ShardOf(MicroShardID(key, s.NumMicroShards), s.NumShards, s.NumMicroShards)
}

// ShardOfMicro maps a micro-shard id under this configuration.
func (s Sharding) ShardOfMicro(micro int) int {
	return ShardOf(micro, s.NumShards, s.NumMicroShards)
}
