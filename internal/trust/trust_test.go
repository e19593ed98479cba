package trust

import "testing"

type fakeHosts struct {
	byName map[string]string
}

func (f fakeHosts) BoundKey(name string) (string, bool) {
	k, ok := f.byName[name]
	return k, ok
}

func (f fakeHosts) NamesForKey(key string) []string {
	var names []string
	for n, k := range f.byName {
		if k == key {
			names = append(names, n)
		}
	}
	return names
}

func TestClassifyTheOneAndOnly(t *testing.T) {
	hosts := fakeHosts{byName: map[string]string{"alice": "K1"}}
	got := Classify("alice", "K1", hosts)
	if got != CategoryTheOneAndOnly {
		t.Fatalf("got %s, want theoneandonly", got)
	}
}

func TestClassifyKnownWithAliases(t *testing.T) {
	hosts := fakeHosts{byName: map[string]string{"alice": "K1", "alice2": "K1"}}
	got := Classify("alice", "K1", hosts)
	if got != CategoryKnownWithAliases {
		t.Fatalf("got %s, want knownwithknownaliases", got)
	}
}

func TestClassifyPossibleNameChange(t *testing.T) {
	// K1 is bob's key; someone presents it under a new name — the person
	// we knew as bob may simply have renamed.
	hosts := fakeHosts{byName: map[string]string{"bob": "K1"}}
	got := Classify("robert", "K1", hosts)
	if got != CategoryPossibleNameChange {
		t.Fatalf("got %s, want possiblenamechange", got)
	}
}

func TestClassifyPossibleSharedPubKey(t *testing.T) {
	// K2 already belongs to two known names; a third unknown name
	// presenting it suggests a key shared across identities.
	hosts := fakeHosts{byName: map[string]string{"bob": "K2", "carol": "K2"}}
	got := Classify("alice", "K2", hosts)
	if got != CategoryPossibleSharedPubKey {
		t.Fatalf("got %s, want possiblesharedpubkey", got)
	}
}

func TestClassifyNameSwapCollision(t *testing.T) {
	// alice's old key K1 has migrated to carol, and the key alice now
	// presents (K2) already belongs to bob: a two-way identity swap.
	hosts := fakeHosts{byName: map[string]string{"alice": "K1", "bob": "K2", "carol": "K1"}}
	got := Classify("alice", "K2", hosts)
	if got != CategoryNameSwapCollision {
		t.Fatalf("got %s, want nameswapcollision", got)
	}
}

func TestClassifyPretender(t *testing.T) {
	// We know bob by K1; someone claims "bob" with an unfamiliar key.
	hosts := fakeHosts{byName: map[string]string{"bob": "K1"}}
	got := Classify("bob", "K2", hosts)
	if got != CategoryPretender {
		t.Fatalf("got %s, want pretender", got)
	}
}

func TestClassifyNeverMet(t *testing.T) {
	hosts := fakeHosts{byName: map[string]string{}}
	got := Classify("dave", "K9", hosts)
	if got != CategoryNeverMet {
		t.Fatalf("got %s, want nevermet", got)
	}
}

func TestClassifyAnonShortCircuit(t *testing.T) {
	hosts := fakeHosts{byName: map[string]string{"anon42": "K1"}}
	got := Classify("anon42", "K2", hosts)
	if got != CategoryNeverMet {
		t.Fatalf("anon-prefixed name should short-circuit to nevermet, got %s", got)
	}
}

// TestClassifyDeterministic: classifying the same inputs twice against an
// unchanged hosts view returns the same category both times.
func TestClassifyDeterministic(t *testing.T) {
	hosts := fakeHosts{byName: map[string]string{"alice": "K1", "bob": "K2", "carol": "K2"}}
	first := Classify("alice", "K2", hosts)
	second := Classify("alice", "K2", hosts)
	if first != second {
		t.Fatalf("classification not deterministic: %s vs %s", first, second)
	}
}

func TestModeByNameRejectAll(t *testing.T) {
	m, ok := ModeByName("rejectall")
	if !ok {
		t.Fatal("rejectall should be a recognized mode")
	}
	for _, c := range allCategories {
		if m.Action(c) != ActionReject {
			t.Fatalf("rejectall: category %s got %s, want reject", c, m.Action(c))
		}
	}
}

func TestModeByNameDoublePromptUnmapped(t *testing.T) {
	if _, ok := ModeByName("doubleprompt"); ok {
		t.Fatal("doubleprompt has no defined action table and must stay unmapped")
	}
}

func TestStrictModePromptsForPretender(t *testing.T) {
	m, ok := ModeByName("strict")
	if !ok {
		t.Fatal("strict should be a recognized mode")
	}
	if m.Action(CategoryPretender) != ActionPromptAndTrust {
		t.Fatalf("strict/pretender got %s, want promptandtrust", m.Action(CategoryPretender))
	}
}

func TestModeByNameUnsafeAlwaysConnectsAndTrusts(t *testing.T) {
	m, ok := ModeByName("unsafe")
	if !ok {
		t.Fatal("unsafe should be a recognized mode")
	}
	if m.Action(CategoryPretender) != ActionConnectTrust {
		t.Fatalf("unsafe should connect-and-trust even pretenders, got %s", m.Action(CategoryPretender))
	}
}
