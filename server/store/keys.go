package store

import (
	"fmt"
	"strconv"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceBox      Resource = "boxes"
	ResourceSnapshot Resource = "snapshots"
	ResourceRanking  Resource = "rankings"
	ResourceToken    Resource = "tokens"
)

// Key constructs a fully qualified Redis key for a resource.
// Format: boxd:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("boxd:%s:%s", resource, id)
}

// BoxKey is Key for integer box ids.
func BoxKey(resource Resource, boxID int) string {
	return Key(resource, strconv.Itoa(boxID))
}

// Prefix constructs a scan pattern prefix for a resource.
// Format: boxd:{resource}:
func Prefix(resource Resource) string {
	return fmt.Sprintf("boxd:%s:", resource)
}
