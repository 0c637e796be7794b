package entity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidObjectType indicates that an object type name is empty or exceeds storage bounds.
	ErrInvalidObjectType = errors.New("entity: invalid object type")
	// ErrInvalidObjectID indicates that an object identifier is empty or exceeds storage bounds.
	ErrInvalidObjectID = errors.New("entity: invalid object id")
	// ErrInvalidCondition indicates that a filter condition is malformed.
	ErrInvalidCondition = errors.New("entity: invalid condition")
)

// ObjectType represents a validated object type name, e.g. "email_message".
type ObjectType string

// NewObjectType validates raw input and returns an ObjectType.
func NewObjectType(rawInput string) (ObjectType, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidObjectType)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidObjectType, maxIdentifierLength)
	}
	return ObjectType(trimmed), nil
}

// String returns the underlying object type name.
func (objType ObjectType) String() string {
	return string(objType)
}

// ObjectID represents a validated object identifier.
type ObjectID string

// NewObjectID validates raw input and returns an ObjectID.
func NewObjectID(rawInput string) (ObjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidObjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidObjectID, maxIdentifierLength)
	}
	return ObjectID(trimmed), nil
}

// String returns the underlying object identifier.
func (id ObjectID) String() string {
	return string(id)
}

// ConditionOperator enumerates supported filter comparisons.
type ConditionOperator string

const (
	// OperatorEqual matches objects whose field equals the condition value.
	OperatorEqual ConditionOperator = "is_equal"
	// OperatorNotEqual matches objects whose field differs from the condition value.
	OperatorNotEqual ConditionOperator = "is_not_equal"
)

// Condition is one field comparison in a collection filter. Conditions in
// a set are combined with AND semantics.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    string            `json:"value"`
}

// NewCondition validates the inputs and returns a Condition.
func NewCondition(field string, operator ConditionOperator, value string) (Condition, error) {
	trimmedField := strings.TrimSpace(field)
	if trimmedField == "" {
		return Condition{}, fmt.Errorf("%w: empty field", ErrInvalidCondition)
	}
	switch operator {
	case OperatorEqual, OperatorNotEqual:
	default:
		return Condition{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, operator)
	}
	return Condition{Field: trimmedField, Operator: operator, Value: value}, nil
}

// Matches reports whether the supplied field values satisfy the condition.
func (c Condition) Matches(fields map[string]string) bool {
	value := fields[c.Field]
	switch c.Operator {
	case OperatorEqual:
		return value == c.Value
	case OperatorNotEqual:
		return value != c.Value
	default:
		return false
	}
}

// MatchesAll reports whether the field values satisfy every condition.
func MatchesAll(conditions []Condition, fields map[string]string) bool {
	for _, condition := range conditions {
		if !condition.Matches(fields) {
			return false
		}
	}
	return true
}

// CanonicalConditions returns a copy of the conditions sorted into a
// stable order, so that two semantically equal sets built in different
// orders compare and serialize identically.
func CanonicalConditions(conditions []Condition) []Condition {
	canonical := make([]Condition, len(conditions))
	copy(canonical, conditions)
	sort.Slice(canonical, func(i, j int) bool {
		if canonical[i].Field != canonical[j].Field {
			return canonical[i].Field < canonical[j].Field
		}
		if canonical[i].Operator != canonical[j].Operator {
			return canonical[i].Operator < canonical[j].Operator
		}
		return canonical[i].Value < canonical[j].Value
	})
	return canonical
}

// ConditionsEqual reports order-insensitive semantic equality of two
// condition sets.
func ConditionsEqual(first, second []Condition) bool {
	if len(first) != len(second) {
		return false
	}
	canonicalFirst := CanonicalConditions(first)
	canonicalSecond := CanonicalConditions(second)
	for i := range canonicalFirst {
		if canonicalFirst[i] != canonicalSecond[i] {
			return false
		}
	}
	return true
}

// Object is the persisted object row the sync engine diffs against.
type Object struct {
	ObjectType       string `gorm:"column:object_type;primaryKey;size:190;not null;index:idx_objects_type_commit,priority:1"`
	ObjectID         string `gorm:"column:object_id;primaryKey;size:190;not null"`
	CommitID         int64  `gorm:"column:commit_id;not null;index:idx_objects_type_commit,priority:2"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Object) TableName() string {
	return "objects"
}
