package core

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// File suffixes for the three file kinds of one storage unit.
const (
	IndexSuffix = ".idx"
	DataSuffix  = ".ms"
	CheckSuffix = ".chk"
)

var nodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,16}$`)

// Key identifies one storage unit: a day's worth of data from one source node.
type Key struct {
	JulianDay int32
	Node      string
}

// NewKey validates node and returns the key.
func NewKey(julianDay int32, node string) (Key, error) {
	k := Key{JulianDay: julianDay, Node: node}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks that the key can be used to build file names.
func (k Key) Validate() error {
	if k.JulianDay < 0 {
		return &ValidationError{Message: "must not be negative", Field: "julian_day", Value: fmt.Sprint(k.JulianDay)}
	}
	if !nodePattern.MatchString(k.Node) {
		return &ValidationError{Message: fmt.Sprintf("does not match pattern '%s'", nodePattern.String()), Field: "node", Value: k.Node}
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("%d_%s", k.JulianDay, k.Node)
}

// Path returns the path of the file with the given suffix inside dir.
func (k Key) Path(dir, suffix string) string {
	return filepath.Join(dir, k.String()+suffix)
}
