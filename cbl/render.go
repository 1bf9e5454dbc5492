package cbl

import (
	"fmt"
	"path"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

func (t *WeakTree) drawRef(g *cgraph.Graph, ref int32, parent *cgraph.Node) {
	if ref <= 0 {
		leaf, err := g.CreateNode(fmt.Sprintf("leaf_%d", -ref))
		HandleError(err)
		leaf.Set("label", fmt.Sprintf("%.5f", t.LeafValues[-ref]))
		leaf.Set("shape", "box")
		if parent != nil {
			_, err = g.CreateEdge("", parent, leaf)
			HandleError(err)
		}
		return
	}

	s := &t.Splits[ref]
	current, err := g.CreateNode(fmt.Sprintf("split_%d", ref))
	HandleError(err)
	if t.MaxCatCount == 0 {
		current.Set("label", fmt.Sprintf("f_%d <= %6.5f", s.VarIdx, s.Threshold))
	} else {
		current.Set("label", fmt.Sprintf("f_%d in %08x", s.VarIdx, s.Subset))
	}
	if parent != nil {
		_, err = g.CreateEdge("", parent, current)
		HandleError(err)
	}
	t.drawRef(g, s.Left, current)
	t.drawRef(g, s.Right, current)
}

// DrawGraph renders the tree into a graphviz graph, left children first.
func (t *WeakTree) DrawGraph() (*graphviz.Graphviz, *cgraph.Graph) {
	graphViz := graphviz.New()
	graph, err := graphViz.Graph()
	HandleError(err)

	//the root is internal by construction, draw it through a positive ref
	s := &t.Splits[0]
	root, err := graph.CreateNode("split_root")
	HandleError(err)
	if t.MaxCatCount == 0 {
		root.Set("label", fmt.Sprintf("f_%d <= %6.5f", s.VarIdx, s.Threshold))
	} else {
		root.Set("label", fmt.Sprintf("f_%d in %08x", s.VarIdx, s.Subset))
	}
	t.drawRef(graph, s.Left, root)
	t.drawRef(graph, s.Right, root)

	return graphViz, graph
}

// RenderTrees dumps every weak tree of the stage as a figure file.
func (cb *CascadeBoost) RenderTrees(dumpPrefix, figureType, picturesDirectory string) error {
	graphvizType, ok := map[string]graphviz.Format{
		"png": graphviz.PNG,
		"svg": graphviz.SVG,
		"jpg": graphviz.JPG,
	}[figureType]
	if !ok {
		return fmt.Errorf("unknown figure type %q", figureType)
	}

	for graphInd, currentTree := range cb.weak {
		filename := fmt.Sprintf("%s_%05d.%s", dumpPrefix, graphInd, figureType)
		graphViz, graph := currentTree.DrawGraph()
		if err := graphViz.RenderFilename(graph, graphvizType, path.Join(picturesDirectory, filename)); err != nil {
			return fmt.Errorf("render tree %d: %w", graphInd, err)
		}
	}
	return nil
}
