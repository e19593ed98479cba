package mq

// Topic constants — single source of truth for the topics actually carried
// over the /hearth/mq/1.0.0 stream. Chat and direct messages have their own
// dedicated stream protocol (internal/chat's ChatProtocolID) and never ride
// an MQ topic.
const (
	// TopicQuestion/TopicAnswer carry the request/response pair,
	// correlated by QuestionPayload.N / AnswerPayload.N.
	TopicQuestion = "question"
	TopicAnswer   = "answer"

	// TopicCallPrefix namespaces the call sub-protocol's
	// offer/answer/ICE/hangup frames by channel ID.
	TopicCallPrefix = "call:" // + channelID

	// TopicValidateChallenge/TopicValidateResponse carry the signed variant's
	// challenge/response proof of possession: the challenger
	// sends a challenge, the claimed owner of a public key signs it with its
	// own private key and returns the signature alongside the key it signed
	// with, so the challenger can verify it against the key the peer
	// presented in its `connect` frame.
	TopicValidateChallenge = "validate:challenge"
	TopicValidateResponse  = "validate:response"
)

// QuestionPayload is the `data` field of a `question` message:
// `{n, question:{topic, content}}`.
type QuestionPayload struct {
	N        int          `json:"n"`
	Question QuestionBody `json:"question"`
}

// QuestionBody is the nested `question` object of QuestionPayload.
type QuestionBody struct {
	Topic   string `json:"topic"`
	Content string `json:"content"`
}

// AnswerPayload is the `data` field of an `answer` message:
// `{n, answer, question}`, routed back to the asker by correlation n.
type AnswerPayload struct {
	N        int    `json:"n"`
	Answer   string `json:"answer"`
	Question string `json:"question"`
}

// ValidateChallengePayload is the `data` field of a `validate:challenge`
// message: a fresh random challenge the recipient must sign with its own
// private key to prove possession of the key it claimed in `connect`.
type ValidateChallengePayload struct {
	Challenge []byte `json:"challenge"`
}

// ValidateResponsePayload is the `data` field of a `validate:response`
// message: the original challenge, a signature over it, and the public key
// the signature verifies against (base64-marshaled, matching
// keystore.Store.PublicKeyString's form).
type ValidateResponsePayload struct {
	Challenge       []byte `json:"challenge"`
	Signature       []byte `json:"signature"`
	PublicKeyString string `json:"publicKeyString"`
}
