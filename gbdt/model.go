// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gbdt implements a deterministic, integer-only gradient-boosted
// decision tree evaluator. Given the same model and the same feature vector,
// every node computes the same score: there is no floating point, no map
// iteration, and no data-dependent error path anywhere in evaluation.
//
// All structural validity checking happens once at load time so that the hot
// per-round scoring path is failure-free.
package gbdt

import (
	"errors"
	"fmt"
)

const (
	// MaxNodes bounds a single tree so child indices always fit in uint32.
	MaxNodes = 1 << 20
)

var (
	errNoTrees         = errors.New("model has no trees")
	errEmptyTree       = errors.New("tree has no nodes")
	errTreeTooLarge    = errors.New("tree exceeds max node count")
	errDanglingChild   = errors.New("child index out of bounds")
	errChildNotForward = errors.New("child index does not advance")
	errLeafHasChildren = errors.New("leaf node has children")
	errFeatureIndex    = errors.New("feature index out of bounds")
	errInvalidScale    = errors.New("scale must be at least 1")
	errNoFeatures      = errors.New("model declares zero features")
)

// Node is one decision-tree node, addressed by index rather than by pointer.
// Internal nodes branch on a feature comparison; leaves carry an integer
// contribution. A node with Leaf set must have zeroed child indices.
type Node struct {
	FeatureIndex uint16 `serialize:"true" json:"featureIndex"`
	Threshold    int64  `serialize:"true" json:"threshold"`
	Left         uint32 `serialize:"true" json:"left"`
	Right        uint32 `serialize:"true" json:"right"`
	Leaf         bool   `serialize:"true" json:"leaf"`
	Value        int64  `serialize:"true" json:"value"`
}

// Tree is a single decision tree rooted at node 0.
type Tree struct {
	Nodes []Node `serialize:"true" json:"nodes"`
}

// Model is a complete decision-tree ensemble. Trees are evaluated in declared
// order and their leaf contributions summed in that same order, so overflow
// wraparound behavior is identical on every node.
type Model struct {
	ID           string `serialize:"true" json:"id"`
	Version      string `serialize:"true" json:"version"`
	FeatureCount uint32 `serialize:"true" json:"featureCount"`
	Scale        int64  `serialize:"true" json:"scale"`
	Bias         int64  `serialize:"true" json:"bias"`
	Trees        []Tree `serialize:"true" json:"trees"`
}

// Validate checks the ensemble's structure. Child indices must advance past
// their parent's index, which makes every walk terminate: there is no cycle a
// strictly increasing index sequence can express.
func (m *Model) Validate() error {
	if len(m.Trees) == 0 {
		return errNoTrees
	}
	if m.FeatureCount == 0 {
		return errNoFeatures
	}
	if m.Scale < 1 {
		return fmt.Errorf("%w: %d", errInvalidScale, m.Scale)
	}
	for treeIdx, tree := range m.Trees {
		if err := validateTree(tree, m.FeatureCount); err != nil {
			return fmt.Errorf("tree %d: %w", treeIdx, err)
		}
	}
	return nil
}

func validateTree(tree Tree, featureCount uint32) error {
	numNodes := len(tree.Nodes)
	if numNodes == 0 {
		return errEmptyTree
	}
	if numNodes > MaxNodes {
		return fmt.Errorf("%w: %d > %d", errTreeTooLarge, numNodes, MaxNodes)
	}
	for i, node := range tree.Nodes {
		if node.Leaf {
			if node.Left != 0 || node.Right != 0 {
				return fmt.Errorf("%w: node %d", errLeafHasChildren, i)
			}
			continue
		}
		if uint32(node.FeatureIndex) >= featureCount {
			return fmt.Errorf(
				"%w: node %d references feature %d of %d",
				errFeatureIndex,
				i,
				node.FeatureIndex,
				featureCount,
			)
		}
		for _, child := range []uint32{node.Left, node.Right} {
			if child >= uint32(numNodes) {
				return fmt.Errorf("%w: node %d child %d", errDanglingChild, i, child)
			}
			if child <= uint32(i) {
				return fmt.Errorf("%w: node %d child %d", errChildNotForward, i, child)
			}
		}
	}
	return nil
}

// Score evaluates the ensemble against [features] and returns the integer
// score: bias plus the sum of leaf contributions, divided by the model's
// scale with truncation toward zero.
//
// Invariant: the model passed Validate and len(features) == FeatureCount.
// Under that invariant Score cannot fail and must not be given an error path.
func (m *Model) Score(features []int64) int64 {
	sum := m.Bias
	for i := range m.Trees {
		sum += evalTree(&m.Trees[i], features)
	}
	// Go's integer division truncates toward zero, which is the fixed
	// rounding rule shared by every conforming node.
	return sum / m.Scale
}

func evalTree(tree *Tree, features []int64) int64 {
	idx := uint32(0)
	for {
		node := &tree.Nodes[idx]
		if node.Leaf {
			return node.Value
		}
		if features[node.FeatureIndex] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
}
