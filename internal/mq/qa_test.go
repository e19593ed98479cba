package mq

import "testing"

func TestQAStateFirstAnswerWins(t *testing.T) {
	qa := newQAState()
	ch := make(chan AnswerPayload, 1)
	qa.mu.Lock()
	qa.pending[1] = ch
	qa.mu.Unlock()

	deliver := func(n int, ans AnswerPayload) bool {
		qa.mu.Lock()
		c, ok := qa.pending[n]
		if ok {
			delete(qa.pending, n)
		}
		qa.mu.Unlock()
		if !ok {
			return false
		}
		c <- ans
		return true
	}

	if !deliver(1, AnswerPayload{N: 1, Answer: "first"}) {
		t.Fatal("expected first delivery to succeed")
	}
	if deliver(1, AnswerPayload{N: 1, Answer: "second"}) {
		t.Fatal("expected second delivery for the same correlation number to be dropped")
	}

	got := <-ch
	if got.Answer != "first" {
		t.Fatalf("got answer %q, want %q", got.Answer, "first")
	}
}

func TestSubscribeTopicUnsubscribeRemovesOwnEntry(t *testing.T) {
	m := &Manager{qa: newQAState()}
	nop := func(string, string, any) {}

	unsubA := m.SubscribeTopic("a", nop)
	m.SubscribeTopic("b", nop)
	unsubC := m.SubscribeTopic("c", nop)

	// Removing an earlier entry must not make later unsub closures delete
	// the wrong subscription.
	unsubA()
	unsubC()
	unsubA() // second call is a no-op

	m.topicMu.RLock()
	defer m.topicMu.RUnlock()
	if len(m.topicSubs) != 1 || m.topicSubs[0].prefix != "b" {
		t.Fatalf("remaining subs = %+v, want only prefix b", m.topicSubs)
	}
}

func TestRemarshalJSON(t *testing.T) {
	data := map[string]any{"n": float64(7), "answer": "ok", "question": "q"}
	var a AnswerPayload
	if err := remarshalJSON(data, &a); err != nil {
		t.Fatalf("remarshalJSON: %v", err)
	}
	if a.N != 7 || a.Answer != "ok" || a.Question != "q" {
		t.Fatalf("got %+v", a)
	}
}
