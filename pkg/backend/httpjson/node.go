package httpjson

import (
	"github.com/tidwall/gjson"

	"github.com/orderly/orderly/pkg/backend"
)

// node is a backend.Node over a gjson result. Paths use the gjson syntax.
type node struct {
	result gjson.Result
}

var _ backend.Node = node{}

// Parse wraps a JSON document. The document is not validated.
func Parse(raw []byte) backend.Node {
	return node{result: gjson.ParseBytes(raw)}
}

func (n node) Get(path string) backend.Node {
	return node{result: n.result.Get(path)}
}

func (n node) Array() []backend.Node {
	items := n.result.Array()
	out := make([]backend.Node, 0, len(items))
	for _, item := range items {
		out = append(out, node{result: item})
	}
	return out
}

func (n node) String() string {
	return n.result.String()
}

func (n node) Value() any {
	return n.result.Value()
}

func (n node) Exists() bool {
	return n.result.Exists()
}

func (n node) Raw() string {
	return n.result.Raw
}
