// Package citytwin holds the state tree of a city digital twin and the rules
// for merging telemetry into it.
//
// A City is the root of the tree. Districts own the sensors, buildings and
// weather stations located in them; vehicles, public transport, emergency
// services and the road graph are city-wide. Every collection is an ordered,
// id-keyed Collection that serialises as a JSON array.
//
// Telemetry reaches the tree as canonical Update values, each carrying one
// Change. Updates are partitioned by ShardKey: a district id for district
// scoped state, or SharedShard for the city-wide collections. Updates of
// different shards touch disjoint parts of the tree, so they may be merged
// concurrently with District.Apply and City.ApplyShared, while updates of the
// same shard must be merged in arrival order.
//
// Merges are last-writer-wins: the update merged last determines the value of
// every field it carries, regardless of its timestamp.
//
// ContentAddress hashes any part of the tree, so consumers can tell cheaply
// whether two copies differ.
package citytwin
