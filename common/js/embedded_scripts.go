package js

import (
	_ "embed"
)

// SelectorPredicateScript is a function taking a selector, whether the
// selector is XPath, and a visibility mode ("any", "visible" or "hidden").
// It returns the matched node when it satisfies the visibility mode, true
// when waiting for hidden and nothing matches, and null otherwise.
//
//go:embed selector_predicate.js
var SelectorPredicateScript string

// MutationTriggerScript is a function taking a predicate function. It
// returns a promise resolved on the next DOM mutation, or right away if
// the predicate already holds.
//
//go:embed mutation_trigger.js
var MutationTriggerScript string

// RAFTriggerScript returns a promise resolved on the next animation frame.
//
//go:embed raf_trigger.js
var RAFTriggerScript string
