// Package trust classifies connection attempts against the known-hosts
// table and maps each classification to a connection action through one of
// the eight named trust modes.
package trust

import "strings"

// Category is the seven-valued classification of a (name, publicKey) pair.
type Category string

const (
	CategoryTheOneAndOnly        Category = "theoneandonly"
	CategoryKnownWithAliases     Category = "knownwithknownaliases"
	CategoryPossibleNameChange   Category = "possiblenamechange"
	CategoryPossibleSharedPubKey Category = "possiblesharedpubkey"
	CategoryNameSwapCollision    Category = "nameswapcollision"
	CategoryPretender            Category = "pretender"
	CategoryNeverMet             Category = "nevermet"
)

// Action is what the Connection Manager should do for a classified peer.
type Action string

const (
	ActionReject         Action = "reject"
	ActionPromptAndTrust Action = "promptandtrust"
	ActionConnectPrompt  Action = "connectandprompt"
	ActionConnectTrust   Action = "connectandtrust"
)

// KnownHostsView is the narrow read-only view Classify needs. Satisfied by
// *keystore.Store without trust importing keystore, so Classify stays a
// pure function testable without a live database.
type KnownHostsView interface {
	// BoundKey returns the public key bound to name, if any.
	BoundKey(name string) (string, bool)
	// NamesForKey returns every name currently bound to key.
	NamesForKey(key string) []string
}

// anonPrefix short-circuits classification: any name beginning with it
// classifies as nevermet regardless of the known-hosts table.
const anonPrefix = "anon"

// Classify categorizes a connection attempt as a pure function of
// (bareName, presentedKey, hosts). Calling it twice with the same inputs
// against an unchanged hosts view always returns the same category.
func Classify(bareName, presentedKey string, hosts KnownHostsView) Category {
	if strings.HasPrefix(bareName, anonPrefix) {
		return CategoryNeverMet
	}

	namesForKey := hosts.NamesForKey(presentedKey)
	boundKey, nameKnown := hosts.BoundKey(bareName)
	nameHasOtherKey := nameKnown && boundKey != presentedKey

	if len(namesForKey) == 0 {
		// The presented key has never been seen. A known name arriving
		// with it is a pretender (or a compromised identity); a fresh
		// name is simply someone we have never met.
		if nameHasOtherKey {
			return CategoryPretender
		}
		return CategoryNeverMet
	}

	if nameKnown && boundKey == presentedKey {
		if len(otherNames(namesForKey, bareName)) == 0 {
			return CategoryTheOneAndOnly
		}
		return CategoryKnownWithAliases
	}

	// The key is known but bound to different name(s) than presented.
	if nameHasOtherKey {
		// The name's own key has gone to someone else while the presented
		// key already belongs to another name: identities swapped outright.
		return CategoryNameSwapCollision
	}
	if len(otherNames(namesForKey, bareName)) >= 2 {
		return CategoryPossibleSharedPubKey
	}
	return CategoryPossibleNameChange
}

// otherNames returns names minus self.
func otherNames(names []string, self string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}

// Mode is a total function from Category to Action, one of the eight named
// trust modes.
type Mode map[Category]Action

var allCategories = []Category{
	CategoryTheOneAndOnly,
	CategoryKnownWithAliases,
	CategoryPossibleNameChange,
	CategoryPossibleSharedPubKey,
	CategoryNameSwapCollision,
	CategoryPretender,
	CategoryNeverMet,
}

// ModeByName returns the named trust mode's action table, or false if name
// is not recognized. "doubleprompt" is intentionally absent: its action
// table was never defined, and guessing one would silently change
// connection policy.
func ModeByName(name string) (Mode, bool) {
	switch name {
	case "strict":
		return Mode{
			CategoryTheOneAndOnly:        ActionConnectTrust,
			CategoryKnownWithAliases:     ActionConnectTrust,
			CategoryPossibleNameChange:   ActionPromptAndTrust,
			CategoryPossibleSharedPubKey: ActionPromptAndTrust,
			CategoryNameSwapCollision:    ActionReject,
			CategoryPretender:            ActionPromptAndTrust,
			CategoryNeverMet:             ActionPromptAndTrust,
		}, true
	case "moderate":
		return Mode{
			CategoryTheOneAndOnly:        ActionConnectTrust,
			CategoryKnownWithAliases:     ActionConnectTrust,
			CategoryPossibleNameChange:   ActionConnectPrompt,
			CategoryPossibleSharedPubKey: ActionConnectPrompt,
			CategoryNameSwapCollision:    ActionPromptAndTrust,
			CategoryPretender:            ActionPromptAndTrust,
			CategoryNeverMet:             ActionConnectTrust,
		}, true
	case "lax":
		return Mode{
			CategoryTheOneAndOnly:        ActionConnectTrust,
			CategoryKnownWithAliases:     ActionConnectTrust,
			CategoryPossibleNameChange:   ActionConnectTrust,
			CategoryPossibleSharedPubKey: ActionConnectTrust,
			CategoryNameSwapCollision:    ActionConnectPrompt,
			CategoryPretender:            ActionConnectPrompt,
			CategoryNeverMet:             ActionConnectTrust,
		}, true
	case "unsafe":
		m := Mode{}
		for _, c := range allCategories {
			m[c] = ActionConnectTrust
		}
		return m, true
	case "rejectall":
		m := Mode{}
		for _, c := range allCategories {
			m[c] = ActionReject
		}
		return m, true
	case "strictandquiet":
		return Mode{
			CategoryTheOneAndOnly:        ActionConnectTrust,
			CategoryKnownWithAliases:     ActionConnectTrust,
			CategoryPossibleNameChange:   ActionReject,
			CategoryPossibleSharedPubKey: ActionReject,
			CategoryNameSwapCollision:    ActionReject,
			CategoryPretender:            ActionReject,
			CategoryNeverMet:             ActionReject,
		}, true
	case "moderateandquiet":
		return Mode{
			CategoryTheOneAndOnly:        ActionConnectTrust,
			CategoryKnownWithAliases:     ActionConnectTrust,
			CategoryPossibleNameChange:   ActionConnectTrust,
			CategoryPossibleSharedPubKey: ActionReject,
			CategoryNameSwapCollision:    ActionReject,
			CategoryPretender:            ActionReject,
			CategoryNeverMet:             ActionConnectTrust,
		}, true
	case "alwaysprompt":
		m := Mode{}
		for _, c := range allCategories {
			m[c] = ActionPromptAndTrust
		}
		return m, true
	default:
		return nil, false
	}
}

// Action returns the action mode maps category to. Categories are always
// present in a Mode built via ModeByName; an unrecognized category (should
// not occur for the closed Category set) rejects by default.
func (m Mode) Action(c Category) Action {
	if a, ok := m[c]; ok {
		return a
	}
	return ActionReject
}
