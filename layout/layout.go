// Copyright 2024-2026 The TileFuse Authors. SPDX-License-Identifier: Apache-2.0

// Package layout provides the tile-addressing algebra consumed by the fusion
// engine: problem extents, tile coordinates, the epilogue sub-step iteration
// space, and flat addressing into destination and auxiliary tensors.
//
// The fusion core treats these as opaque handles: it asks for coordinates and
// offsets but never interprets the encoding.
package layout

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Problem describes one GEMM output the epilogue post-processes: the problem
// extents, the tile shape processed per kernel invocation, the epilogue
// sub-tile (sub-step granularity), the fragment width exchanged between fused
// operations, and the number of in-flight staging buffers.
type Problem struct {
	// M, N, K, L are the GEMM extents: D[l,m,n] = sum_k A[l,m,k]*B[l,k,n].
	// L is the batch dimension.
	M, N, K, L int

	// TileM, TileN are the dimensions of the output tile processed by one
	// tile-processing call.
	TileM, TileN int

	// SubTileM, SubTileN are the dimensions of one epilogue sub-step.
	// They must divide TileM and TileN respectively.
	SubTileM, SubTileN int

	// FragLen is the per-step vector width: the length of every Fragment
	// exchanged between fused operations. It must divide SubTileM*SubTileN.
	FragLen int

	// StagingDepth is the number of sub-steps whose staged loads may be in
	// flight at once. Minimum 1.
	StagingDepth int
}

// Validate checks the problem invariants.
func (p Problem) Validate() error {
	if p.M <= 0 || p.N <= 0 || p.K <= 0 || p.L <= 0 {
		return errors.Errorf("problem extents must be positive, got M=%d N=%d K=%d L=%d", p.M, p.N, p.K, p.L)
	}
	if p.TileM <= 0 || p.TileN <= 0 {
		return errors.Errorf("tile dimensions must be positive, got %dx%d", p.TileM, p.TileN)
	}
	if p.SubTileM <= 0 || p.SubTileN <= 0 || p.TileM%p.SubTileM != 0 || p.TileN%p.SubTileN != 0 {
		return errors.Errorf("sub-tile %dx%d must divide tile %dx%d", p.SubTileM, p.SubTileN, p.TileM, p.TileN)
	}
	if p.FragLen <= 0 || (p.SubTileM*p.SubTileN)%p.FragLen != 0 {
		return errors.Errorf("fragment length %d must divide sub-tile size %d", p.FragLen, p.SubTileM*p.SubTileN)
	}
	if p.StagingDepth < 1 {
		return errors.Errorf("staging depth must be >= 1, got %d", p.StagingDepth)
	}
	return nil
}

// TilesM returns the number of tiles along M, rounding up for partial tiles.
func (p Problem) TilesM() int { return ceilDiv(p.M, p.TileM) }

// TilesN returns the number of tiles along N, rounding up for partial tiles.
func (p Problem) TilesN() int { return ceilDiv(p.N, p.TileN) }

// NumTiles returns the total number of tiles, including the batch dimension.
func (p Problem) NumTiles() int { return p.TilesM() * p.TilesN() * p.L }

// StepsM and StepsN are the sub-step loop bounds within one tile.
func (p Problem) StepsM() int { return p.TileM / p.SubTileM }
func (p Problem) StepsN() int { return p.TileN / p.SubTileN }

// NumSteps returns the number of sub-steps per tile.
func (p Problem) NumSteps() int { return p.StepsM() * p.StepsN() }

// StepIndex linearizes a sub-step coordinate. Sub-steps iterate m-fastest:
// (0,0), (1,0), ..., (StepsM-1,0), (0,1), ...
func (p Problem) StepIndex(stepM, stepN int) int {
	return stepN*p.StepsM() + stepM
}

// StepCoord is the inverse of StepIndex.
func (p Problem) StepCoord(step int) (stepM, stepN int) {
	return step % p.StepsM(), step / p.StepsM()
}

// FragmentsPerStep returns the number of fragments a sub-step decomposes into.
func (p Problem) FragmentsPerStep() int {
	return p.SubTileM * p.SubTileN / p.FragLen
}

// TileCoord identifies one output tile: tile indices along M and N, and the
// batch index L.
type TileCoord struct {
	M, N, L int
}

// ForEachTile calls fn for every tile of the problem, batch-major and then
// row-major over the tile grid. It stops and returns fn's error if non-nil.
func (p Problem) ForEachTile(fn func(tile TileCoord) error) error {
	for l := 0; l < p.L; l++ {
		for tm := 0; tm < p.TilesM(); tm++ {
			for tn := 0; tn < p.TilesN(); tn++ {
				if err := fn(TileCoord{M: tm, N: tn, L: l}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Coord resolves one lane of one fragment of one sub-step to its global
// (row, col) in the output. ok is false when the element falls outside the
// problem extents (partial boundary tiles); such lanes must be predicated off.
//
// Within a sub-step, fragment lanes are laid out row-major: lane index
// frag*FragLen+lane maps to sub-tile position (idx/SubTileN, idx%SubTileN).
func (p Problem) Coord(tile TileCoord, stepM, stepN, frag, lane int) (row, col int, ok bool) {
	idx := frag*p.FragLen + lane
	subRow := idx / p.SubTileN
	subCol := idx % p.SubTileN
	row = tile.M*p.TileM + stepM*p.SubTileM + subRow
	col = tile.N*p.TileN + stepN*p.SubTileN + subCol
	ok = row < p.M && col < p.N
	return
}

// Offset returns the flat offset of element (l, row, col) in a row-major
// (L, M, N) tensor of this problem's extents.
func (p Problem) Offset(l, row, col int) int {
	return (l*p.M+row)*p.N + col
}

// RowOffset returns the flat offset of row `row` of batch l in a row-major
// (L, M) per-row tensor (e.g. a bias vector replicated per batch uses l=0).
func (p Problem) RowOffset(l, row int) int {
	return l*p.M + row
}

// ColOffset returns the flat offset of column `col` of batch l in a row-major
// (L, N) per-column tensor.
func (p Problem) ColOffset(l, col int) int {
	return l*p.N + col
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		exceptions.Panicf("layout: ceilDiv by non-positive %d", b)
	}
	return (a + b - 1) / b
}
