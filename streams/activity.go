package streams

import (
	"fmt"
	"strings"
	"time"
)

// Activity wraps an Object whose type is an activity verb and adds the
// object-attachment rule used when federating local content.
type Activity struct {
	*Object
}

// NewActivity creates an empty activity of the given verb.
func NewActivity(verb string) *Activity {
	return &Activity{Object: New(verb)}
}

// ActivityFromMap parses a decoded payload as an activity.
func ActivityFromMap(m map[string]interface{}) (*Activity, error) {
	o, err := FromMap(m)
	if err != nil {
		return nil, err
	}
	return &Activity{Object: o}, nil
}

// audienceFields are copied from an attached object onto the activity, per
// the create-without-explicit-audience rule: the activity inherits the
// object's addressing and timestamps.
var audienceFields = []string{
	"to", "bto", "cc", "bcc", "audience", "published", "updated",
	"attributed_to", "in_reply_to",
}

// SetObject embeds obj as the activity's object and copies its audience
// and timestamp fields onto the activity where the activity has none of
// its own. When the activity has no id yet, one is synthesized from the
// object id as "<object-id>#activity-<lowercased-type>-<timestamp>".
func (a *Activity) SetObject(obj *Object) error {
	if err := a.Set("object", obj); err != nil {
		return err
	}
	for _, field := range audienceFields {
		if a.Has(field) || !obj.Has(field) {
			continue
		}
		value, err := obj.Get(field)
		if err != nil {
			continue
		}
		if err := a.Set(field, value); err != nil {
			return err
		}
	}
	if !a.Has("id") {
		objectID := obj.GetString("id")
		if objectID != "" {
			id := fmt.Sprintf("%s#activity-%s-%d",
				objectID, strings.ToLower(a.Type()), time.Now().Unix())
			if err := a.Set("id", id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ObjectID returns the id of the activity's object, whether the object is
// a bare reference URL or an embedded object.
func (a *Activity) ObjectID() string {
	v, err := a.Get("object")
	if err != nil {
		return ""
	}
	switch obj := v.(type) {
	case string:
		return obj
	case *Object:
		return obj.GetString("id")
	case map[string]interface{}:
		if id, ok := obj["id"].(string); ok {
			return id
		}
	}
	return ""
}
