package streams

// Base JSON-LD contexts shared by every emitted document.
const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"
)

// typeContexts holds per-type extension terms merged onto the base
// context at emission time. Types without an entry get the bare AS2
// context string.
var typeContexts = map[string][]interface{}{
	"Note": {
		map[string]interface{}{
			"Hashtag":   "as:Hashtag",
			"sensitive": "as:sensitive",
		},
	},
	"Article": {
		map[string]interface{}{
			"Hashtag":   "as:Hashtag",
			"sensitive": "as:sensitive",
		},
	},
	"Person": {
		ContextSecurity,
		map[string]interface{}{
			"manuallyApprovesFollowers": "as:manuallyApprovesFollowers",
			"PropertyValue":             "schema:PropertyValue",
			"schema":                    "http://schema.org#",
		},
	},
	"Application": {ContextSecurity},
	"Group":       {ContextSecurity},
	"Organization": {ContextSecurity},
	"Service":     {ContextSecurity},
}

// ComposeContext builds the @context value for a type: the base AS2
// context merged with the type's extension terms. A type without
// extensions gets the plain context string rather than a one-element
// array.
func ComposeContext(typ string) interface{} {
	extras, ok := typeContexts[typ]
	if !ok || len(extras) == 0 {
		return ContextActivityStreams
	}
	composed := make([]interface{}, 0, len(extras)+1)
	composed = append(composed, ContextActivityStreams)
	composed = append(composed, extras...)
	return composed
}

// Transform is one registered emission hook: it may reshape the map an
// object serializes to. Transforms run inside ToMap after field emission,
// in registration order, and form the only extension point of the object
// model.
type Transform func(typ string, m map[string]interface{}) map[string]interface{}

var transforms []Transform

// RegisterTransform appends a transform to the ordered emission pipeline.
func RegisterTransform(t Transform) {
	transforms = append(transforms, t)
}

// ResetTransforms clears the pipeline. Intended for tests.
func ResetTransforms() {
	transforms = nil
}

func applyTransforms(typ string, m map[string]interface{}) map[string]interface{} {
	for _, t := range transforms {
		m = t(typ, m)
	}
	return m
}
