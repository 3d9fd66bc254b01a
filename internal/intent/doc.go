// Package intent derives structured intents from free-form natural language
// instructions. Recognition is purely pattern based: an ordered rule table is
// matched against the normalized instruction, entities are extracted from
// capture groups, and chain names, protocols and numeric constraints are
// merged in from an independent side channel. Recognition never fails; an
// unmatched instruction degrades to a low-confidence query intent.
package intent
