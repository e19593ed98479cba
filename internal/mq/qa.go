package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// remarshalJSON round-trips data (typically a map[string]interface{} produced
// by decoding an incoming MQMsg.Payload) through JSON into a concrete struct.
func remarshalJSON(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// QuestionHandler produces an answer string for an incoming question. It is
// invoked on its own goroutine per question; the returned string becomes
// AnswerPayload.Answer.
type QuestionHandler func(from, topic, content string) string

// qaState holds the question/answer correlation layer: a monotonic
// question number and a `map[int]chan AnswerPayload` of outstanding asks.
// Unanswered questions have no built-in timeout — callers that want one
// wrap Ask in a context with a deadline.
type qaState struct {
	counter int64

	mu      sync.Mutex
	pending map[int]chan AnswerPayload
}

func newQAState() *qaState {
	return &qaState{pending: make(map[int]chan AnswerPayload)}
}

// Ask sends a question to peerID on the given topic and blocks until the
// matching answer arrives or ctx is done. A failure to send the question
// returns an error at once; losing the connection after the send is not
// detected.
// The first answer bearing this correlation number resolves the call; the
// pending entry is removed before the channel is ever signalled twice.
func (m *Manager) Ask(ctx context.Context, peerID, topic, content string) (string, error) {
	n := int(atomic.AddInt64(&m.qa.counter, 1))

	ch := make(chan AnswerPayload, 1)
	m.qa.mu.Lock()
	m.qa.pending[n] = ch
	m.qa.mu.Unlock()
	defer func() {
		m.qa.mu.Lock()
		delete(m.qa.pending, n)
		m.qa.mu.Unlock()
	}()

	payload := QuestionPayload{N: n, Question: QuestionBody{Topic: topic, Content: content}}
	if _, err := m.Send(ctx, peerID, TopicQuestion, payload); err != nil {
		return "", fmt.Errorf("mq: ask %s: %w", peerID, err)
	}

	select {
	case ans := <-ch:
		return ans.Answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AnswerQuestions registers handler to answer every incoming `question`
// message and wires the reply-routing side of `answer` messages back to
// Ask's waiters. Call once per Manager; returns an unsubscribe function.
func (m *Manager) AnswerQuestions(handler QuestionHandler) func() {
	unsubQ := m.SubscribeTopic(TopicQuestion, func(from, _ string, payload any) {
		var q QuestionPayload
		if err := remarshalJSON(payload, &q); err != nil {
			return
		}
		go func() {
			answer := handler(from, q.Question.Topic, q.Question.Content)
			_, _ = m.Send(context.Background(), from, TopicAnswer, AnswerPayload{
				N:        q.N,
				Answer:   answer,
				Question: q.Question.Content,
			})
		}()
	})

	unsubA := m.SubscribeTopic(TopicAnswer, func(from, _ string, payload any) {
		var a AnswerPayload
		if err := remarshalJSON(payload, &a); err != nil {
			return
		}
		m.qa.mu.Lock()
		ch, ok := m.qa.pending[a.N]
		if ok {
			delete(m.qa.pending, a.N)
		}
		m.qa.mu.Unlock()
		if ok {
			ch <- a
		}
	})

	return func() {
		unsubQ()
		unsubA()
	}
}
