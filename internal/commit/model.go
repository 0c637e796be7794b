package commit

import (
	"errors"
	"fmt"
	"strings"
)

const maxHeadKeyLength = 190

var (
	// ErrInvalidHeadKey indicates that a commit head key is empty or exceeds storage bounds.
	ErrInvalidHeadKey = errors.New("commit: invalid head key")
	// ErrInvalidCommitID indicates that a commit identifier is not positive.
	ErrInvalidCommitID = errors.New("commit: invalid commit id")
)

// HeadKey identifies one logical change-stream whose commit ids form a
// single monotonic sequence.
type HeadKey string

// NewHeadKey validates raw input and returns a HeadKey.
func NewHeadKey(rawInput string) (HeadKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHeadKey)
	}
	if len(trimmed) > maxHeadKeyLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidHeadKey, maxHeadKeyLength)
	}
	return HeadKey(trimmed), nil
}

// String returns the underlying head key.
func (key HeadKey) String() string {
	return string(key)
}

// CommitID represents a validated commit identifier issued for a head.
type CommitID int64

// NewCommitID validates the value and returns a CommitID.
func NewCommitID(value int64) (CommitID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCommitID, value)
	}
	return CommitID(value), nil
}

// Int64 returns the commit identifier as an int64.
func (id CommitID) Int64() int64 {
	return int64(id)
}

// Head stores the last issued commit identifier for one head key.
type Head struct {
	HeadKey      string `gorm:"column:head_key;primaryKey;size:190;not null"`
	LastCommitID int64  `gorm:"column:last_commit_id;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Head) TableName() string {
	return "commit_heads"
}
