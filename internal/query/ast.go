// Package query implements the query parsing and evaluation engine for linkdoc.
//
// Unstructured JSON queries (e.g., `{"age": {"$gt": 25}}`) are parsed into an
// Abstract Syntax Tree (AST), which is then used by the execution engine to
// filter documents. Field names may use dot notation to reach into nested
// objects.
package query

import (
	"fmt"
	"strings"
)

// Operator represents a comparison operator (e.g., $eq, $gt, $in).
type Operator string

const (
	OpEq  Operator = "$eq"
	OpNe  Operator = "$ne"
	OpGt  Operator = "$gt"
	OpGte Operator = "$gte"
	OpLt  Operator = "$lt"
	OpLte Operator = "$lte"
	OpIn  Operator = "$in"
)

// Node is the common interface for all nodes in the Query AST.
type Node interface {
	// Marker interface. Specific nodes (FieldNode, LogicalNode) implement logic.
}

// FieldNode represents a query on a specific field
type FieldNode struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// LogicalNode represents AND/OR operations
type LogicalNode struct {
	Operator string // $and, $or
	Children []Node
}

// Matcher is implemented by nodes that can be evaluated against a document.
type Matcher interface {
	Matches(doc map[string]interface{}) bool
}

// Parse converts a map-based query into an AST.
// query: { "age": { "$gt": 25 }, "status": "active" }
func Parse(query map[string]interface{}) (Node, error) {
	var nodes []Node

	for key, val := range query {
		if key == "$and" || key == "$or" {
			list, ok := val.([]interface{})
			if !ok {
				return nil, fmt.Errorf("value for %s must be a list", key)
			}
			children := make([]Node, 0, len(list))
			for _, item := range list {
				subMap, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("element of %s must be an object", key)
				}
				subNode, err := Parse(subMap)
				if err != nil {
					return nil, err
				}
				children = append(children, subNode)
			}
			nodes = append(nodes, &LogicalNode{Operator: key, Children: children})
		} else if valMap, ok := val.(map[string]interface{}); ok {
			for op, opVal := range valMap {
				switch Operator(op) {
				case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn:
					nodes = append(nodes, &FieldNode{Field: key, Operator: Operator(op), Value: opVal})
				default:
					return nil, fmt.Errorf("unknown operator: %s", op)
				}
			}
		} else {
			// Implicit $eq
			nodes = append(nodes, &FieldNode{Field: key, Operator: OpEq, Value: val})
		}
	}

	return &LogicalNode{Operator: "$and", Children: nodes}, nil
}

// Matches checks if a document matches the node
func (n *FieldNode) Matches(doc map[string]interface{}) bool {
	val, exists := fieldValue(doc, n.Field)
	if !exists {
		return false
	}
	return compare(val, n.Operator, n.Value)
}

func (n *LogicalNode) Matches(doc map[string]interface{}) bool {
	if n.Operator == "$and" {
		for _, child := range n.Children {
			if matcher, ok := child.(Matcher); ok {
				if !matcher.Matches(doc) {
					return false
				}
			}
		}
		return true
	}
	if n.Operator == "$or" {
		for _, child := range n.Children {
			if matcher, ok := child.(Matcher); ok {
				if matcher.Matches(doc) {
					return true
				}
			}
		}
		return false
	}
	return false
}

// fieldValue resolves a dot-notation field path against a document.
func fieldValue(doc map[string]interface{}, field string) (interface{}, bool) {
	if !strings.Contains(field, ".") {
		val, ok := doc[field]
		return val, ok
	}

	var current interface{} = doc
	for _, key := range strings.Split(field, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Compare compares two values given an operator. Exposed for callers outside
// the package that already hold an extracted field value.
func Compare(actual interface{}, op Operator, expected interface{}) bool {
	return compare(actual, op, expected)
}

func compare(actual interface{}, op Operator, expected interface{}) bool {
	switch op {
	case OpEq:
		return CompareValues(actual, expected) == 0
	case OpNe:
		return CompareValues(actual, expected) != 0
	case OpGt:
		return CompareValues(actual, expected) > 0
	case OpGte:
		return CompareValues(actual, expected) >= 0
	case OpLt:
		return CompareValues(actual, expected) < 0
	case OpLte:
		return CompareValues(actual, expected) <= 0
	case OpIn:
		list, ok := expected.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if CompareValues(actual, item) == 0 {
				return true
			}
		}
		return false
	}
	return false
}

// CompareValues returns -1 if a < b, 0 if a == b, 1 if a > b.
// Numbers are compared numerically (JSON decodes to float64); everything else
// falls back to string comparison.
func CompareValues(a, b interface{}) int {
	f1, ok1 := toFloat(a)
	f2, ok2 := toFloat(b)
	if ok1 && ok2 {
		if f1 > f2 {
			return 1
		}
		if f1 < f2 {
			return -1
		}
		return 0
	}

	s1 := fmt.Sprintf("%v", a)
	s2 := fmt.Sprintf("%v", b)
	if s1 > s2 {
		return 1
	}
	if s1 < s2 {
		return -1
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch i := v.(type) {
	case float64:
		return i, true
	case float32:
		return float64(i), true
	case int:
		return float64(i), true
	case int32:
		return float64(i), true
	case int64:
		return float64(i), true
	}
	return 0, false
}
