package linkdoc

import (
	"encoding/json"
	"fmt"
)

const (
	onDeleteRestrict = "restrict"
	onDeleteSetNull  = "set_null"
	onDeleteCascade  = "cascade"
)

// ReferenceRule defines a schema-level reference from a source collection
// field to a target collection. The field holds either a single identifier
// or, when IsArray is set, an array of identifiers.
type ReferenceRule struct {
	SourceCollection string
	SourceField      string
	TargetCollection string
	TargetField      string
	OnDelete         string
	IsArray          bool
}

// parseReferenceRules extracts x-linkdoc-ref declarations from a JSON schema.
// A scalar reference field declares the extension directly on the property;
// an array reference field declares it under the property's "items". Object
// properties are walked recursively, so a reference nested inside an object
// gets a dot-notation source field (e.g. "meta.author").
func parseReferenceRules(sourceCollection, schemaStr string) ([]ReferenceRule, error) {
	if schemaStr == "" {
		return nil, nil
	}

	var root map[string]interface{}
	if err := json.Unmarshal([]byte(schemaStr), &root); err != nil {
		return nil, fmt.Errorf("%w: schema is not valid JSON: %v", ErrInvalidReferenceSchema, err)
	}

	rules := make([]ReferenceRule, 0)
	if err := collectReferenceRules(sourceCollection, "", root, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// collectReferenceRules walks one schema level's properties, appending rules
// for declared references and recursing into object-typed properties. prefix
// carries the dotted path of the enclosing objects.
func collectReferenceRules(sourceCollection, prefix string, node map[string]interface{}, out *[]ReferenceRule) error {
	propsRaw, ok := node["properties"]
	if !ok {
		return nil
	}

	props, ok := propsRaw.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%w: schema.properties must be an object", ErrInvalidReferenceSchema)
	}

	for fieldName, defRaw := range props {
		defMap, ok := defRaw.(map[string]interface{})
		if !ok {
			continue
		}

		path := fieldName
		if prefix != "" {
			path = prefix + "." + fieldName
		}

		refRaw, hasRef := defMap["x-linkdoc-ref"]
		isArray := false

		if !hasRef {
			// Array reference: { "type": "array", "items": { "x-linkdoc-ref": ... } }
			if itemsMap, ok := defMap["items"].(map[string]interface{}); ok {
				refRaw, hasRef = itemsMap["x-linkdoc-ref"]
				isArray = hasRef
			}
		}

		if hasRef {
			rule, err := parseRefExtension(path, refRaw)
			if err != nil {
				return err
			}
			rule.SourceCollection = sourceCollection
			rule.IsArray = isArray
			*out = append(*out, rule)
			continue
		}

		// Nested object property: references inside it get dotted paths
		if err := collectReferenceRules(sourceCollection, path, defMap, out); err != nil {
			return err
		}
	}

	return nil
}

func parseRefExtension(fieldName string, refRaw interface{}) (ReferenceRule, error) {
	var rule ReferenceRule

	refMap, ok := refRaw.(map[string]interface{})
	if !ok {
		return rule, fmt.Errorf("%w: x-linkdoc-ref for field %s must be an object", ErrInvalidReferenceSchema, fieldName)
	}

	targetCollection, ok := refMap["collection"].(string)
	if !ok || targetCollection == "" {
		return rule, fmt.Errorf("%w: x-linkdoc-ref.collection is required for field %s", ErrInvalidReferenceSchema, fieldName)
	}

	targetField := "_id"
	if v, ok := refMap["field"].(string); ok && v != "" {
		targetField = v
	}

	// Lookups go through the primary key only.
	if targetField != "_id" {
		return rule, fmt.Errorf("%w: x-linkdoc-ref.field for field %s must be _id", ErrInvalidReferenceSchema, fieldName)
	}

	onDelete := onDeleteSetNull
	if v, ok := refMap["on_delete"].(string); ok && v != "" {
		onDelete = v
	}
	if !isValidOnDelete(onDelete) {
		return rule, fmt.Errorf("%w: invalid on_delete %q for field %s", ErrInvalidReferenceSchema, onDelete, fieldName)
	}

	rule.SourceField = fieldName
	rule.TargetCollection = targetCollection
	rule.TargetField = targetField
	rule.OnDelete = onDelete
	return rule, nil
}

func isValidOnDelete(v string) bool {
	switch v {
	case onDeleteRestrict, onDeleteSetNull, onDeleteCascade:
		return true
	default:
		return false
	}
}

// normalizeReferenceValue coerces a stored reference value to its string
// identifier. nil maps to "" (no reference).
func normalizeReferenceValue(v interface{}) (string, error) {
	switch typed := v.(type) {
	case string:
		if typed == "" {
			return "", fmt.Errorf("%w: empty identifier", ErrInvalidReferenceValue)
		}
		return typed, nil
	case float64, float32, int, int64, int32, int16, int8, uint, uint64, uint32, uint16, uint8, bool:
		return fmt.Sprintf("%v", typed), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%w: identifier must be a scalar", ErrInvalidReferenceValue)
	}
}

// referenceIDs extracts the identifiers stored under a rule's source field.
// A scalar field yields zero or one id; an array field yields the ids of its
// entries in stored order. Unparseable entries are reported.
func referenceIDs(rule ReferenceRule, value interface{}) ([]string, error) {
	if value == nil {
		return nil, nil
	}

	if rule.IsArray {
		list, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: field %s must hold an array", ErrInvalidReferenceValue, rule.SourceField)
		}
		ids := make([]string, 0, len(list))
		for _, item := range list {
			id, err := normalizeReferenceValue(item)
			if err != nil {
				return nil, err
			}
			if id != "" {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}

	id, err := normalizeReferenceValue(value)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	return []string{id}, nil
}

// ruleForPath returns the reference rule declared for a populate path.
func ruleForPath(refRules []ReferenceRule, path string) (ReferenceRule, error) {
	for _, rule := range refRules {
		if rule.SourceField == path {
			return rule, nil
		}
	}
	return ReferenceRule{}, fmt.Errorf("%w: %s", ErrNotAReferenceField, path)
}
