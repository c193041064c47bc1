package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TreeEnsembleSpec is a boosted tree ensemble in the XGBoost JSON dump
// format. The prediction in log space is BaseScore plus the sum of the leaf
// reached in every tree.
type TreeEnsembleSpec struct {
	BaseScore float64     `json:"base_score"`
	Trees     []*TreeNode `json:"trees"`
}

// TreeNode is a split or leaf. A split sends x < SplitCondition to Yes,
// otherwise to No, and missing (NaN) values to Missing.
type TreeNode struct {
	NodeID         int         `json:"nodeid"`
	Depth          int         `json:"depth,omitempty"`
	Split          string      `json:"split,omitempty"`
	SplitCondition float64     `json:"split_condition,omitempty"`
	Yes            int         `json:"yes,omitempty"`
	No             int         `json:"no,omitempty"`
	Missing        int         `json:"missing,omitempty"`
	Leaf           *float64    `json:"leaf,omitempty"`
	Children       []*TreeNode `json:"children,omitempty"`
}

type compiledNode struct {
	feature   int
	threshold float64
	yes, no   int
	missing   int
	leaf      float64
	isLeaf    bool
}

type treeEnsemble struct {
	base  float64
	trees [][]compiledNode
}

func newTreeEnsemble(a *Artifact) (predictor, error) {
	spec := a.Trees
	if spec == nil {
		return nil, errors.New("missing trees section")
	}
	if len(spec.Trees) == 0 {
		return nil, errors.New("empty ensemble")
	}
	index := featureIndex(a.Features)
	m := &treeEnsemble{base: spec.BaseScore}
	for i, root := range spec.Trees {
		nodes, err := compileTree(root, index, len(a.Features))
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		m.trees = append(m.trees, nodes)
	}
	return m, nil
}

// compileTree flattens a nested tree into a slice indexed by node id and
// checks that every reference resolves.
func compileTree(root *TreeNode, index map[string]int, nFeatures int) ([]compiledNode, error) {
	if root == nil {
		return nil, errors.New("nil root")
	}
	if root.NodeID != 0 {
		return nil, errors.New("root must be node 0")
	}
	byID := map[int]*TreeNode{}
	var walk func(n *TreeNode) error
	walk = func(n *TreeNode) error {
		if _, dup := byID[n.NodeID]; dup {
			return fmt.Errorf("duplicate node id %d", n.NodeID)
		}
		byID[n.NodeID] = n
		for _, c := range n.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}

	nodes := make([]compiledNode, len(byID))
	for id, n := range byID {
		if id < 0 || id >= len(nodes) {
			return nil, fmt.Errorf("node id %d out of range", id)
		}
		if n.Leaf != nil {
			nodes[id] = compiledNode{isLeaf: true, leaf: *n.Leaf}
			continue
		}
		fi, err := resolveFeature(n.Split, index, nFeatures)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		for _, ref := range []int{n.Yes, n.No, n.Missing} {
			if _, ok := byID[ref]; !ok || ref == id {
				return nil, fmt.Errorf("node %d: bad child reference %d", id, ref)
			}
		}
		nodes[id] = compiledNode{feature: fi, threshold: n.SplitCondition, yes: n.Yes, no: n.No, missing: n.Missing}
	}
	return nodes, nil
}

// resolveFeature accepts a feature name or XGBoost's positional "f<i>" form.
func resolveFeature(split string, index map[string]int, nFeatures int) (int, error) {
	if i, ok := index[split]; ok {
		return i, nil
	}
	if rest, ok := strings.CutPrefix(split, "f"); ok {
		if i, err := strconv.Atoi(rest); err == nil && i >= 0 && i < nFeatures {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown split feature %q", split)
}

func (m *treeEnsemble) predictLog(x []float64) float64 {
	sum := m.base
	for _, nodes := range m.trees {
		sum += walkTree(nodes, x)
	}
	return sum
}

func walkTree(nodes []compiledNode, x []float64) float64 {
	i := 0
	// A valid tree reaches a leaf in at most len(nodes) steps.
	for range len(nodes) {
		n := nodes[i]
		if n.isLeaf {
			return n.leaf
		}
		v := x[n.feature]
		switch {
		case math.IsNaN(v):
			i = n.missing
		case v < n.threshold:
			i = n.yes
		default:
			i = n.no
		}
	}
	return math.NaN()
}
