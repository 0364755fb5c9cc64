package interfaces

import (
	"context"
	"encoding/json"
	"time"
)

// AppointmentQueryService defines the read side of the appointment backend.
// Payloads are returned undecoded; callers unwrap the envelope.
type AppointmentQueryService interface {
	GetAll(ctx context.Context) (json.RawMessage, error)
	GetDaySchedule(ctx context.Context, dentistID int64, date string) (json.RawMessage, error)
	GetOne(ctx context.Context, id int64) (json.RawMessage, error)
}

// CredentialStore resolves a bearer token from locally persisted credentials
type CredentialStore interface {
	Token() (string, bool)
}

// DialRequest carries everything needed to open a transport session
type DialRequest struct {
	Endpoint  string
	Headers   map[string]string
	Heartbeat time.Duration
	// HeartbeatTolerance is how late an expected server heartbeat may be
	// before the session fails; zero keeps the transport default.
	HeartbeatTolerance time.Duration
}

// Dialer opens message transport sessions
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Session, error)
}

// Session is one live connection to the event source
type Session interface {
	Subscribe(topic string) (Subscription, error)
	Close() error
}

// Subscription delivers the messages of one topic. A message with a non-nil
// Err reports a transport failure; the channel is closed afterwards.
type Subscription interface {
	C() <-chan Message
	Unsubscribe() error
}

// Message is one inbound transport message
type Message struct {
	Topic string
	Body  []byte
	Err   error
}
