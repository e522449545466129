package session

import "errors"

// errNoChange aborts a store write that would not modify anything
var errNoChange = errors.New("no change")
