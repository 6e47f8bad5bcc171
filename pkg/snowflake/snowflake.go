package snowflake

import (
	"fmt"
	"time"

	bwsnowflake "github.com/bwmarrin/snowflake"
)

// IDGenerator issues team and order ids for one node
type IDGenerator struct {
	node   *bwsnowflake.Node
	nodeID int64
}

// NewIDGenerator creates a generator for nodeID (0..1023)
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	node, err := bwsnowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid node ID %d: %w", nodeID, err)
	}
	return &IDGenerator{node: node, nodeID: nodeID}, nil
}

// NextID generates a new numeric id
func (g *IDGenerator) NextID() int64 {
	return g.node.Generate().Int64()
}

// NextTeamID generates a team id
func (g *IDGenerator) NextTeamID() string {
	return g.node.Generate().String()
}

// NextOrderID generates an order id
func (g *IDGenerator) NextOrderID() string {
	return g.node.Generate().String()
}

// NodeID returns the node part of id
func NodeID(id int64) int64 {
	return bwsnowflake.ParseInt64(id).Node()
}

// Time returns the generation time of id
func Time(id int64) time.Time {
	return time.UnixMilli(bwsnowflake.ParseInt64(id).Time())
}
