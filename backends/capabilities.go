// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"maps"

	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
)

// Capabilities holds mappings of what is supported by a backend.
type Capabilities struct {
	// Operations supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	Operations map[hostgraph.OpType]bool

	// SourceTypes lists the element types a backend accepts as operation inputs.
	// If not listed, it's assumed to be false, hence not supported.
	SourceTypes map[hostgraph.TensorType]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	var c2 Capabilities
	c2.Operations = make(map[hostgraph.OpType]bool, len(c.Operations))
	maps.Copy(c2.Operations, c.Operations)
	c2.SourceTypes = make(map[hostgraph.TensorType]bool, len(c.SourceTypes))
	maps.Copy(c2.SourceTypes, c.SourceTypes)
	return c2
}
