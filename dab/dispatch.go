package dab

import (
	"github.com/relabs-tech/dab-bridge/core/element"
)

// Args is the positional parameter list assembled by the dispatcher, one
// entry per fixed parameter followed by one per optional parameter. Optional
// parameters that were absent from the envelope are null elements, so the
// element accessors yield the zero value of whatever type the handler reads
// them as.
type Args []*element.Element

// Element returns the i-th parameter.
func (a Args) Element(i int) *element.Element {
	return a[i]
}

// String returns the i-th parameter as string.
func (a Args) String(i int) string {
	return a[i].Str()
}

// Int returns the i-th parameter as int64.
func (a Args) Int(i int) int64 {
	return a[i].Int()
}

// Bool returns the i-th parameter as bool.
func (a Args) Bool(i int) bool {
	return a[i].Bool()
}

// HandlerFunc handles one operation. The returned element is the reply
// payload; a nil element stands for the empty reply {}. Protocol failures
// are returned as *Error.
type HandlerFunc func(args Args) (*element.Element, error)

// operation is one row of a device's dispatch table, built once at device
// construction.
type operation struct {
	topic       string
	fixed       []string
	optional    []string
	handler     HandlerFunc
	implemented bool
}

// paramWildcard injects the whole envelope instead of a named field.
const paramWildcard = "*"

// lookup resolves a parameter name, first in payload.<name>, then in the
// top-level envelope. The bool result reports whether the name resolved.
func lookup(env *element.Element, name string) (*element.Element, bool) {
	if payload, err := env.Get("payload"); err == nil && payload.Has(name) {
		v, _ := payload.Get(name)
		return v, true
	}
	if env.Has(name) {
		v, _ := env.Get(name)
		return v, true
	}
	return nil, false
}

// invoke extracts the operation's parameters from the envelope and calls the
// handler. Each extracted subtree is cloned so that handler-side destructive
// coercions cannot alter the envelope.
func (op *operation) invoke(env *element.Element) (*element.Element, error) {
	args := make(Args, 0, len(op.fixed)+len(op.optional))
	for _, name := range op.fixed {
		if v, ok := lookup(env, name); ok {
			args = append(args, v.Clone())
		} else if name == paramWildcard {
			args = append(args, env.Clone())
		} else {
			return nil, Errorf(400, "missing parameter \"%s\"", name)
		}
	}
	for _, name := range op.optional {
		if v, ok := lookup(env, name); ok {
			args = append(args, v.Clone())
		} else {
			args = append(args, element.New(nil))
		}
	}
	rsp, err := op.handler(args)
	if err != nil {
		return nil, err
	}
	if rsp == nil {
		rsp = element.New(nil)
	}
	return rsp, nil
}
