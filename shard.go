package citytwin

// ShardKey partitions the state tree into disjoint regions. Updates sharing a
// shard key are applied sequentially; updates with different keys may be
// applied concurrently because they never touch overlapping state.
type ShardKey string

// SharedShard is the shard of the city-wide collections: vehicles, public
// transport, emergency services and the road graph.
const SharedShard ShardKey = "shared"

// ShardFor returns the shard that owns state scoped to districtID. An empty
// district id routes to SharedShard.
func ShardFor(districtID string) ShardKey {
	if districtID == "" {
		return SharedShard
	}
	return ShardKey(districtID)
}

// IsShared reports whether k is the shard of the city-wide collections.
func (k ShardKey) IsShared() bool { return k == SharedShard }

// DistrictID returns the district owned by k, or the empty string for the
// shared shard.
func (k ShardKey) DistrictID() string {
	if k.IsShared() {
		return ""
	}
	return string(k)
}

func (k ShardKey) String() string { return string(k) }
