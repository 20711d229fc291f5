package workflow

// Node kinds the mutator knows how to edit.
const (
	KindSampler         = "KSampler"
	KindSamplerAdvanced = "KSamplerAdvanced"
	KindSamplerGeneric  = "Sampler"
	KindTextEncode      = "CLIPTextEncode"
	KindLoadImage       = "LoadImage"
)

// SamplerKinds lists the class types treated as the sampling step.
var SamplerKinds = []string{KindSampler, KindSamplerAdvanced, KindSamplerGeneric}

// TypedNode is a node viewed through the schema of its kind.
// Unrecognised kinds classify as OpaqueNode and pass through untouched.
type TypedNode interface {
	ID() string
	Raw() *Node
}

type baseNode struct {
	id   string
	node *Node
}

func (b baseNode) ID() string { return b.id }
func (b baseNode) Raw() *Node { return b.node }

// SamplerNode carries the seed and the positive/negative conditioning refs.
type SamplerNode struct{ baseNode }

// Positive returns the positive conditioning reference.
func (s SamplerNode) Positive() (Ref, bool) {
	return AsRef(s.node.Inputs["positive"])
}

// Negative returns the negative conditioning reference.
func (s SamplerNode) Negative() (Ref, bool) {
	return AsRef(s.node.Inputs["negative"])
}

// SetSeed writes the seed field. KSamplerAdvanced names it noise_seed.
func (s SamplerNode) SetSeed(seed int64) {
	if s.node.Kind == KindSamplerAdvanced {
		s.node.Inputs["noise_seed"] = seed
		return
	}
	s.node.Inputs["seed"] = seed
}

// TextEncodeNode holds a prompt text.
type TextEncodeNode struct{ baseNode }

// Text returns the current prompt text.
func (t TextEncodeNode) Text() string {
	s, _ := t.node.Inputs["text"].(string)
	return s
}

// SetText overwrites the prompt text.
func (t TextEncodeNode) SetText(text string) {
	t.node.Inputs["text"] = text
}

// LoadImageNode names an image in the server's input folder.
type LoadImageNode struct{ baseNode }

// SetImage sets the input filename.
func (l LoadImageNode) SetImage(name string) {
	l.node.Inputs["image"] = name
}

// OpaqueNode is any node kind without a typed schema.
type OpaqueNode struct{ baseNode }

// Classify returns the typed view for a node.
func Classify(id string, n *Node) TypedNode {
	b := baseNode{id: id, node: n}
	switch n.Kind {
	case KindSampler, KindSamplerAdvanced, KindSamplerGeneric:
		return SamplerNode{b}
	case KindTextEncode:
		return TextEncodeNode{b}
	case KindLoadImage:
		return LoadImageNode{b}
	default:
		return OpaqueNode{b}
	}
}
