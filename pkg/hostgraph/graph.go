// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostgraph

import (
	"slices"

	"github.com/code0-god/ggml-gemmini/pkg/support/sets"
)

// Graph is the ordered list of operations of one host graph execution.
//
// Nodes are in topological order: every node comes after the nodes that produce its sources.
type Graph struct {
	// Nodes are the tensors produced by an operation (Op != OpNone).
	Nodes []*Tensor

	// Leafs are the input tensors (Op == OpNone).
	Leafs []*Tensor

	// Outputs are the tensors the caller asked for: they must be written even if other
	// nodes consume them.
	Outputs []*Tensor
}

// Build collects, in topological order, every tensor the outputs depend on.
func Build(outputs ...*Tensor) *Graph {
	g := &Graph{Outputs: outputs}
	visited := sets.Make[*Tensor]()
	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if t == nil || visited.Has(t) {
			return
		}
		visited.Insert(t)
		for _, src := range t.Src {
			visit(src)
		}
		if t.Op == OpNone {
			g.Leafs = append(g.Leafs, t)
		} else {
			g.Nodes = append(g.Nodes, t)
		}
	}
	for _, output := range outputs {
		visit(output)
	}
	return g
}

// Consumers returns the nodes that use t as one of their sources.
func (g *Graph) Consumers(t *Tensor) []*Tensor {
	var consumers []*Tensor
	for _, node := range g.Nodes {
		for _, src := range node.Src {
			if src == t {
				consumers = append(consumers, node)
				break
			}
		}
	}
	return consumers
}

// IsOutput returns whether t is one of the requested outputs of the graph.
func (g *Graph) IsOutput(t *Tensor) bool {
	return slices.Contains(g.Outputs, t)
}
