// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemmini

import (
	"github.com/code0-god/ggml-gemmini/backends"
	"github.com/code0-god/ggml-gemmini/pkg/hostgraph"
)

// Capabilities of the Gemmini backend: the set of supported operations and source types.
//
// OpAdd is only supported fused as the bias of an OpMulMat. OpOutProd and OpScale are left
// to the host.
var Capabilities = backends.Capabilities{
	Operations: map[hostgraph.OpType]bool{
		// Views: no data movement.
		hostgraph.OpNone:      true,
		hostgraph.OpReshape:   true,
		hostgraph.OpView:      true,
		hostgraph.OpPermute:   true,
		hostgraph.OpTranspose: true,

		hostgraph.OpMulMat: true,
		hostgraph.OpAdd:    true,
	},

	SourceTypes: map[hostgraph.TensorType]bool{
		hostgraph.F32: true,
	},
}
