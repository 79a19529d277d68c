// Package identity validates and resolves the node id the worker is started with.
package identity

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalid marks a token outside [A-Za-z0-9-]+. It is fatal for the supervisor.
	ErrInvalid = errors.New("invalid node id")
	// ErrMissing means no source produced an identity and none could be asked for.
	ErrMissing = errors.New("no node id available")
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// NodeID is a validated identity token. The zero value is not valid.
type NodeID string

// Parse validates s without trimming; callers reading line input trim first.
func Parse(s string) (NodeID, error) {
	if !tokenPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q (allowed characters: letters, digits, hyphen)", ErrInvalid, s)
	}
	return NodeID(s), nil
}

func (id NodeID) String() string { return string(id) }

// Source tells where a resolved identity came from.
type Source string

const (
	SourceEnv    Source = "env"
	SourceFlag   Source = "flag"
	SourceStored Source = "stored"
	SourcePrompt Source = "prompt"
)
