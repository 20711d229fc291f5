package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Graph is a ComfyUI workflow in API format: node id -> node.
// Node ids keep the order they had in the source document.
type Graph struct {
	order []string
	nodes map[string]*Node
}

// Node is a single processing node.
type Node struct {
	Kind   string          `json:"class_type"`
	Inputs Inputs          `json:"inputs"`
	Meta   json.RawMessage `json:"_meta,omitempty"`
}

// Inputs holds a node's input fields. Values are scalars, lists or
// references of the form [node-id, output-index].
type Inputs map[string]interface{}

// Ref is a reference to another node's output.
type Ref struct {
	NodeID string
	Output int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Parse decodes a graph from its JSON form.
func Parse(data []byte) (*Graph, error) {
	raw := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(data, raw); err != nil {
		return nil, err
	}

	g := NewGraph()
	for pair := raw.Oldest(); pair != nil; pair = pair.Next() {
		id := pair.Key
		dec := json.NewDecoder(bytes.NewReader(pair.Value))
		dec.UseNumber()

		var n Node
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		if n.Kind == "" {
			return nil, fmt.Errorf("node %s: missing class_type", id)
		}
		if n.Inputs == nil {
			n.Inputs = Inputs{}
		}
		g.Set(id, &n)
	}
	return g, nil
}

// Set adds or replaces a node. New ids are appended to the iteration order.
func (g *Graph) Set(id string, n *Node) {
	if _, ok := g.nodes[id]; !ok {
		g.order = append(g.order, id)
	}
	g.nodes[id] = n
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// IDs returns node ids in document order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// FindKind returns the id of the first node whose kind is one of kinds.
func (g *Graph) FindKind(kinds ...string) (string, bool) {
	for _, id := range g.order {
		k := g.nodes[id].Kind
		for _, want := range kinds {
			if k == want {
				return id, true
			}
		}
	}
	return "", false
}

// Validate checks that every input reference points at a node in the graph.
func (g *Graph) Validate() error {
	for _, id := range g.order {
		for field, v := range g.nodes[id].Inputs {
			ref, ok := AsRef(v)
			if !ok {
				continue
			}
			if _, exists := g.nodes[ref.NodeID]; !exists {
				return fmt.Errorf("node %s input %s references missing node %s", id, field, ref.NodeID)
			}
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler, writing nodes in document order.
func (g *Graph) MarshalJSON() ([]byte, error) {
	out := orderedmap.New[string, *Node]()
	for _, id := range g.order {
		out.Set(id, g.nodes[id])
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *Graph) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*g = *parsed
	return nil
}

// Clone returns a deep copy that shares nothing with g.
func (g *Graph) Clone() (*Graph, error) {
	b, err := g.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// AsRef reports whether v is a node reference ([id, index]).
func AsRef(v interface{}) (Ref, bool) {
	list, ok := v.([]interface{})
	if !ok || len(list) != 2 {
		return Ref{}, false
	}
	id, ok := list[0].(string)
	if !ok {
		return Ref{}, false
	}
	idx, ok := toInt(list[1])
	if !ok {
		return Ref{}, false
	}
	return Ref{NodeID: id, Output: idx}, true
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case float64:
		return int(n), n == float64(int(n))
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
