package model

import "time"

// NodeStatus is the lifecycle state of a probe node.
type NodeStatus string

const (
	NodeRegistered NodeStatus = "registered"
	NodeReporting  NodeStatus = "reporting"
	NodeInactive   NodeStatus = "inactive"
	NodeDeleted    NodeStatus = "deleted"
)

// Node is the metadata shell for a probe. Metric rows reference nodes by
// node_id only; soft-deleting a node leaves its metrics in place.
// The inactive status is reserved for operators marking nodes that
// stopped reporting; no pipeline component sets it.
type Node struct {
	NodeID   string     `json:"node_id"`
	Name     string     `json:"node_name,omitempty"`
	Status   NodeStatus `json:"status"`
	Country  string     `json:"country,omitempty"`
	Region   string     `json:"region,omitempty"`
	Lat      *float64   `json:"lat,omitempty"`
	Lng      *float64   `json:"lng,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
