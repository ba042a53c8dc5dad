// Package flow implements the graph execution engine: graph lookups, variable
// scope, node handlers, the runner, the trigger matcher, and the engine entry
// points consumed by the transport layer.
package flow

import (
	"log/slog"

	"github.com/zapflowhq/zapflow/internal/models"
)

type edgeKey struct {
	source string
	handle string
}

// Graph wraps a flow with indexed node and edge lookups. Lookups return nil
// on miss; the runner decides what a missing edge means.
type Graph struct {
	flow  *models.Flow
	nodes map[string]*models.Node
	edges map[edgeKey]*models.Edge
}

// NewGraph indexes a flow. Duplicate (source, handle) edges beyond the first
// are dropped with a warning so routing stays deterministic.
func NewGraph(f *models.Flow) *Graph {
	g := &Graph{
		flow:  f,
		nodes: make(map[string]*models.Node, len(f.Nodes)),
		edges: make(map[edgeKey]*models.Edge, len(f.Edges)),
	}
	for i := range f.Nodes {
		g.nodes[f.Nodes[i].ID] = &f.Nodes[i]
	}
	for i := range f.Edges {
		e := &f.Edges[i]
		key := edgeKey{source: e.SourceNodeID, handle: e.SourceHandle}
		if _, exists := g.edges[key]; exists {
			slog.Warn("Graph dropping duplicate edge", "flowID", f.ID, "source", e.SourceNodeID, "handle", e.SourceHandle, "edgeID", e.ID)
			continue
		}
		g.edges[key] = e
	}
	return g
}

// Flow returns the underlying flow.
func (g *Graph) Flow() *models.Flow {
	return g.flow
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *models.Node {
	return g.nodes[id]
}

// EdgeFrom returns the edge leaving nodeID through the given handle, or nil.
func (g *Graph) EdgeFrom(nodeID, handle string) *models.Edge {
	return g.edges[edgeKey{source: nodeID, handle: handle}]
}

// StartNode returns the flow's start node, or nil.
func (g *Graph) StartNode() *models.Node {
	for i := range g.flow.Nodes {
		if g.flow.Nodes[i].Kind == models.NodeKindStart {
			return &g.flow.Nodes[i]
		}
	}
	return nil
}

// NodeOfKind returns the first node of the given kind, or nil.
func (g *Graph) NodeOfKind(kind models.NodeKind) *models.Node {
	for i := range g.flow.Nodes {
		if g.flow.Nodes[i].Kind == kind {
			return &g.flow.Nodes[i]
		}
	}
	return nil
}
