// Package streams implements the Activity Streams 2.0 object model: typed
// objects and activities with a fixed per-type field registry, generic
// get/set/add access, and JSON (de)serialization with JSON-LD context
// composition.
package streams

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey is returned when a field is accessed that the object's
// type does not declare.
var ErrInvalidKey = errors.New("streams: invalid key")

// PublicAudience is the AS2 marker for publicly addressed activities.
const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// coreFields are the Activity Streams Core "Object" properties, stored
// under snake_case keys.
var coreFields = []string{
	"id", "type", "attachment", "attributed_to", "audience", "content",
	"context", "name", "end_time", "generator", "icon", "image",
	"in_reply_to", "location", "preview", "published", "replies",
	"start_time", "summary", "tag", "updated", "url", "to", "bto", "cc",
	"bcc", "media_type", "duration", "source", "sensitive",
}

var activityFields = []string{
	"actor", "object", "target", "result", "origin", "instrument",
}

var actorFields = []string{
	"preferred_username", "inbox", "outbox", "followers", "following",
	"liked", "endpoints", "public_key", "manually_approves_followers",
}

// registry maps an AS2 type name to its declared field set. Built once at
// init; lookups never mutate it.
var registry = map[string]map[string]bool{}

func register(typ string, extra ...string) {
	fields := make(map[string]bool, len(coreFields)+len(extra))
	for _, f := range coreFields {
		fields[f] = true
	}
	for _, f := range extra {
		fields[f] = true
	}
	registry[typ] = fields
}

func registerActivity(typ string) {
	register(typ, activityFields...)
}

func registerActor(typ string) {
	register(typ, actorFields...)
}

func init() {
	register("Object")
	register("Note")
	register("Article")
	register("Document")
	register("Page")
	register("Image", "width", "height")
	register("Audio")
	register("Video")
	register("Event")
	register("Tombstone", "former_type", "deleted")

	registerActor("Person")
	registerActor("Application")
	registerActor("Group")
	registerActor("Organization")
	registerActor("Service")

	registerActivity("Activity")
	registerActivity("Follow")
	registerActivity("Create")
	registerActivity("Update")
	registerActivity("Delete")
	registerActivity("Accept")
	registerActivity("Reject")
	registerActivity("Undo")
	registerActivity("Like")
	registerActivity("Announce")
}

// Object is a single AS2 object or activity. The declared field set is
// fixed by the type at construction time.
type Object struct {
	typ    string
	fields map[string]interface{}
}

// New creates an empty object of the given AS2 type. Types absent from
// the registry fall back to the core Object field set so a payload with a
// vendor type still parses (forward compatibility).
func New(typ string) *Object {
	o := &Object{
		typ:    typ,
		fields: make(map[string]interface{}),
	}
	o.fields["type"] = typ
	return o
}

// Type returns the AS2 type name.
func (o *Object) Type() string {
	return o.typ
}

func (o *Object) declared(key string) bool {
	fields, ok := registry[o.typ]
	if !ok {
		fields = registry["Object"]
	}
	return fields[key]
}

// Get returns the value of a declared field. Accessing an undeclared key
// fails with ErrInvalidKey; a declared but unset key returns nil.
func (o *Object) Get(key string) (interface{}, error) {
	if !o.declared(key) {
		return nil, fmt.Errorf("%w: %q on type %s", ErrInvalidKey, key, o.typ)
	}
	return o.fields[key], nil
}

// GetString is Get for fields known to hold a string; unset or non-string
// values come back empty.
func (o *Object) GetString(key string) string {
	v, err := o.Get(key)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set assigns a declared field. Empty values clear the field so it is
// omitted from serialization.
func (o *Object) Set(key string, value interface{}) error {
	if !o.declared(key) {
		return fmt.Errorf("%w: %q on type %s", ErrInvalidKey, key, o.typ)
	}
	if isEmpty(value) {
		delete(o.fields, key)
		return nil
	}
	o.fields[key] = value
	return nil
}

// Add appends a value to a declared field, promoting a scalar value to a
// list on the second Add.
func (o *Object) Add(key string, value interface{}) error {
	if !o.declared(key) {
		return fmt.Errorf("%w: %q on type %s", ErrInvalidKey, key, o.typ)
	}
	existing, ok := o.fields[key]
	if !ok {
		o.fields[key] = []interface{}{value}
		return nil
	}
	if list, isList := existing.([]interface{}); isList {
		o.fields[key] = append(list, value)
		return nil
	}
	o.fields[key] = []interface{}{existing, value}
	return nil
}

// Has reports whether a declared field holds a value.
func (o *Object) Has(key string) bool {
	_, ok := o.fields[key]
	return ok
}

// FromMap populates a new object from a decoded JSON map. Keys are mapped
// camelCase to snake_case; unknown keys are ignored so newer vocabulary
// does not break parsing.
func FromMap(m map[string]interface{}) (*Object, error) {
	typ := typeOf(m)
	if typ == "" {
		return nil, fmt.Errorf("streams: payload has no type")
	}
	o := New(typ)
	for key, value := range m {
		if key == "@context" || key == "type" {
			continue
		}
		field := CamelToSnake(key)
		if !o.declared(field) {
			continue
		}
		o.fields[field] = nest(value)
	}
	return o, nil
}

// FromJSON decodes raw AS2 JSON into an object.
func FromJSON(data []byte) (*Object, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("streams: %w", err)
	}
	return FromMap(m)
}

// nest turns embedded typed maps into *Object so ToMap can flatten them
// back recursively. Everything else passes through untouched.
func nest(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		if typeOf(v) != "" {
			if o, err := FromMap(v); err == nil {
				return o
			}
		}
		return v
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = nest(item)
		}
		return out
	default:
		return value
	}
}

func typeOf(m map[string]interface{}) string {
	switch t := m["type"].(type) {
	case string:
		return t
	case []interface{}:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// ToMap emits only the fields holding a value, with keys in camelCase and
// nested objects flattened recursively. When withContext is set the
// composed per-type JSON-LD context is included. Registered transforms
// run last, in registration order.
func (o *Object) ToMap(withContext bool) map[string]interface{} {
	m := make(map[string]interface{}, len(o.fields)+1)
	for key, value := range o.fields {
		if isEmpty(value) {
			continue
		}
		m[SnakeToCamel(key)] = flatten(value)
	}
	m = applyTransforms(o.typ, m)
	if withContext {
		m["@context"] = ComposeContext(o.typ)
	}
	return m
}

// ToJSON serializes the object, optionally with its @context.
func (o *Object) ToJSON(withContext bool) ([]byte, error) {
	return json.Marshal(o.ToMap(withContext))
}

func flatten(value interface{}) interface{} {
	switch v := value.(type) {
	case *Object:
		return v.ToMap(false)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = flatten(item)
		}
		return out
	default:
		return value
	}
}

func isEmpty(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []interface{}:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case map[string]interface{}:
		return len(v) == 0
	default:
		return false
	}
}

// SnakeToCamel maps an internal field name to its wire key:
// "attributed_to" -> "attributedTo".
func SnakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}

// CamelToSnake maps a wire key to its internal field name:
// "attributedTo" -> "attributed_to".
func CamelToSnake(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsPublic reports whether an addressing value (the decoded to/cc/audience
// of a payload) carries the public audience marker in any of its accepted
// spellings.
func IsPublic(m map[string]interface{}) bool {
	for _, key := range []string{"to", "cc", "audience"} {
		if containsPublic(m[key]) {
			return true
		}
	}
	return false
}

func containsPublic(value interface{}) bool {
	switch v := value.(type) {
	case string:
		return isPublicMarker(v)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && isPublicMarker(s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if isPublicMarker(s) {
				return true
			}
		}
	}
	return false
}

func isPublicMarker(s string) bool {
	switch s {
	case PublicAudience, "as:Public", "Public":
		return true
	}
	return false
}
