// Package debug renders parsed expressions annotated with inferred
// types as HTML, for inspection by tooling.
package debug

import (
	"embed"
	"io"
	"sync"

	"github.com/google/safehtml/template"

	"github.com/fhirkit/fhirpath-go/fhirpath"
)

//go:embed templates/*
var templateFS embed.FS

var treeTemplate = sync.OnceValues(func() (*template.Template, error) {
	trustedFS := template.TrustedFSFromEmbed(templateFS)
	return template.New("tree.html").ParseFS(trustedFS, "templates/tree.html")
})

// node is the view model of one expression tree node.
type node struct {
	Label    string
	Type     string
	HasType  bool
	Children []node
}

type treeView struct {
	Expression string
	Root       node
}

// Render writes the expression tree with inferred type annotations as
// an HTML document.
func Render(w io.Writer, expr fhirpath.Expression, tc *fhirpath.TypeContext) error {
	tmpl, err := treeTemplate()
	if err != nil {
		return err
	}
	return tmpl.Execute(w, treeView{
		Expression: expr.String(),
		Root:       viewNode(fhirpath.InferenceTree(expr, tc)),
	})
}

func viewNode(n fhirpath.InferenceNode) node {
	v := node{
		Label:   n.Label,
		HasType: n.TypeKnown,
	}
	if n.TypeKnown {
		v.Type = n.Type.String()
	}
	for _, child := range n.Children {
		v.Children = append(v.Children, viewNode(child))
	}
	return v
}
