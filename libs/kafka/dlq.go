package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Dead-letter stages.
const (
	StageConsume = "consume"
	StagePublish = "publish"
)

// Rejection marks a message its handler can never apply. The consumer
// dead-letters it at once instead of retrying. Subject names the record
// the message was about, such as a deposit tx hash or a withdrawal id.
type Rejection struct {
	Err       error
	Reason    string
	Subject   string
	SubjectID string
}

func (r *Rejection) Error() string {
	if r == nil {
		return ""
	}
	msg := r.Reason
	if r.Err != nil {
		msg = fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	if r.SubjectID != "" {
		return fmt.Sprintf("%s %s: %s", r.Subject, r.SubjectID, msg)
	}
	return msg
}

func (r *Rejection) Unwrap() error {
	if r == nil {
		return nil
	}
	return r.Err
}

// About records which deposit, withdrawal or deal the message concerned.
func (r *Rejection) About(subject, id string) *Rejection {
	r.Subject, r.SubjectID = subject, id
	return r
}

// Reject wraps err as a permanent failure.
func Reject(err error, reason string) *Rejection {
	return &Rejection{Err: err, Reason: reason}
}

// Position locates a consumed message.
type Position struct {
	Partition int32 `json:"partition"`
	Offset    int64 `json:"offset"`
}

// DeadLetter is written to the dead-letter topic for a message that could
// not be consumed or an event that could not be published. Event carries
// the original JSON; a body that is not JSON is kept in RawBase64.
type DeadLetter struct {
	Stage     string          `json:"stage"`
	Topic     string          `json:"topic"`
	Position  *Position       `json:"position,omitempty"`
	Key       string          `json:"key,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	SubjectID string          `json:"subject_id,omitempty"`
	Reason    string          `json:"reason"`
	Error     string          `json:"error"`
	Attempts  int             `json:"attempts"`
	Event     json.RawMessage `json:"event,omitempty"`
	RawBase64 string          `json:"raw_base64,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

func consumeDeadLetter(msg *sarama.ConsumerMessage, rej *Rejection, attempts int, at time.Time) DeadLetter {
	dl := DeadLetter{
		Stage:     StageConsume,
		Topic:     msg.Topic,
		Position:  &Position{Partition: msg.Partition, Offset: msg.Offset},
		Key:       string(msg.Key),
		Subject:   rej.Subject,
		SubjectID: rej.SubjectID,
		Reason:    rej.Reason,
		Attempts:  attempts,
		FailedAt:  at.UTC(),
	}
	if rej.Err != nil {
		dl.Error = rej.Err.Error()
	}
	dl.attach(msg.Value)
	return dl
}

func publishDeadLetter(topic, key string, value any, err error, at time.Time) DeadLetter {
	dl := DeadLetter{
		Stage:    StagePublish,
		Topic:    topic,
		Key:      key,
		Reason:   "publish_failed",
		Attempts: 1,
		FailedAt: at.UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	raw, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		raw = []byte(fmt.Sprintf("%v", value))
	}
	dl.attach(raw)
	return dl
}

// attach keeps body and lifts the envelope ids out of it when it is an
// event.
func (dl *DeadLetter) attach(body []byte) {
	if len(body) == 0 {
		return
	}
	if !json.Valid(body) {
		dl.RawBase64 = base64.StdEncoding.EncodeToString(body)
		return
	}
	dl.Event = json.RawMessage(body)
	var env struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	}
	if json.Unmarshal(body, &env) == nil {
		dl.EventID, dl.EventType = env.EventID, env.EventType
	}
}
