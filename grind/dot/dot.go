// Package dot writes call graphs in Graphviz DOT syntax and hands them to
// an external dot process for rendering.
package dot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	graphviz "github.com/emicklei/dot"
	"github.com/lucasb-eyer/go-colorful"
)

type Node struct {
	ID    int
	Label string
	// Weight in [0,1] picks the fill color, 0 is cold and 1 is hot.
	Weight float64
}

type Edge struct {
	From, To int
	Label    string
	Weight   float64
}

type Graph struct {
	Name  string
	Nodes []Node
	Edges []Edge
}

// Encode writes g as a directed graph. Node i of g.Nodes is written as
// n<i+1> because the encoder numbers nodes in creation order.
func Encode(w io.Writer, g Graph) error {
	out := graphviz.NewGraph(graphviz.Directed)
	if g.Name != "" {
		out.ID(strconv.Quote(g.Name))
	}
	out.Attrs("ranksep", "0.25", "fontname", "Arial", "nodesep", "0.125")
	out.NodeInitializer(func(n graphviz.Node) {
		n.Attrs(
			"fontname", "Arial",
			"style", "filled",
			"height", "0",
			"width", "0",
			"shape", "box",
			"fontcolor", "white",
		)
	})
	out.EdgeInitializer(func(e graphviz.Edge) {
		e.Attr("fontname", "Arial")
	})

	nodes := make(map[int]graphviz.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.ID] = out.Node(strconv.Itoa(n.ID)).
			Label(n.Label).
			Attr("color", Heat(n.Weight))
	}
	for _, e := range g.Edges {
		from, ok := nodes[e.From]
		if !ok {
			return fmt.Errorf("edge from unknown node %d", e.From)
		}
		to, ok := nodes[e.To]
		if !ok {
			return fmt.Errorf("edge to unknown node %d", e.To)
		}
		out.Edge(from, to, e.Label).
			Attr("color", Heat(e.Weight)).
			Attr("penwidth", strconv.FormatFloat(0.5+3*clamp(e.Weight), 'f', 2, 64))
	}

	_, err := io.WriteString(w, out.String())
	return err
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Heat maps weight to a color running from dark blue through green to red.
func Heat(weight float64) string {
	w := clamp(weight)
	// Hue 240 (blue) down to 0 (red).
	return colorful.Hsl((1-w)*240, 0.9, 0.35+0.1*w).Clamped().Hex()
}

// Render pipes src through `<executable> -T<format> -o <out>`. A partial
// output file is removed when dot fails.
func Render(ctx context.Context, executable, format string, src []byte, out string) error {
	if executable == "" {
		return fmt.Errorf("no dot executable configured")
	}
	cmd := exec.CommandContext(ctx, executable, "-T"+format, "-o", out)
	cmd.Stdin = bytes.NewReader(src)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("run %s: %w: %s", executable, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// ContentType is the HTTP content type of a rendered image of format.
func ContentType(format string) string {
	switch format {
	case "svg":
		return "image/svg+xml"
	case "dot", "gv":
		return "text/vnd.graphviz"
	}
	return "image/" + format
}
