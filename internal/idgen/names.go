package idgen

import (
	"fmt"
	"regexp"
)

var (
	collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	actorPattern      = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)
)

// ValidateCollection checks that name can be used as a collection table
// suffix. Rules: lowercase letters, digits and underscores; must start with
// a letter; max 64 characters.
func ValidateCollection(name string) error {
	if len(name) > 64 {
		return fmt.Errorf("collection name too long (max 64 characters)")
	}
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("collection name %q is invalid: must match %s", name, collectionPattern.String())
	}
	return nil
}

// ValidateActorName checks an actor kind or id. Both end up as path
// segments of the actor's database file.
func ValidateActorName(name string) error {
	if len(name) > 128 {
		return fmt.Errorf("actor name too long (max 128 characters)")
	}
	if !actorPattern.MatchString(name) {
		return fmt.Errorf("actor name %q is invalid: must match %s", name, actorPattern.String())
	}
	return nil
}
