package wire

import (
	"github.com/cuemby/kiln/pkg/kilnerr"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/cuemby/kiln/pkg/views"
)

// ResponseKind discriminates which of Response's payload fields is set.
type ResponseKind string

const (
	ResponseKindServer   ResponseKind = "server"
	ResponseKindDatabase ResponseKind = "database"
	ResponseKindApi      ResponseKind = "api"
	ResponseKindError    ResponseKind = "error"
	ResponseKindOk       ResponseKind = "ok"
	ResponseKindMessage  ResponseKind = "message"
)

// Response is a server-to-client message: exactly one payload field is
// populated, matching Kind. An unrecognized Kind on either end maps to
// UnexpectedResponse by the receiving side, not by Response itself.
// ResponseKindMessage is the one kind that always arrives on an id-less
// Envelope (see MessageNotification); every other kind answers a
// specific request id.
type Response struct {
	Kind     ResponseKind         `codec:"kind"`
	Server   *ServerResponse      `codec:"server,omitempty"`
	Database *DatabaseResponse    `codec:"database,omitempty"`
	Api      *ApiResponse         `codec:"api,omitempty"`
	Error    *ErrorResponse       `codec:"error,omitempty"`
	Message  *MessageNotification `codec:"message,omitempty"`
}

// ServerResponse carries the result of a server-scoped operation; only
// the fields relevant to the originating ServerOp are meaningful.
type ServerResponse struct {
	Databases []types.Database `codec:"databases,omitempty"`
	Schemas   []string         `codec:"schemas,omitempty"`
	UserID    uint64           `codec:"user_id,omitempty"`
	SessionID *uint64          `codec:"session_id,omitempty"`
}

// DatabaseResponse carries the result of a database-scoped operation;
// only the fields relevant to the originating DatabaseOp are meaningful.
type DatabaseResponse struct {
	Value         []byte              `codec:"value,omitempty"`
	Found         bool                `codec:"found,omitempty"`
	TransactionID uint64              `codec:"transaction_id,omitempty"`
	Entries       []views.MappedEntry `codec:"entries,omitempty"`
	KVValue       *types.Value        `codec:"kv_value,omitempty"`
	SubscriberID  uint64              `codec:"subscriber_id,omitempty"`
}

// ApiResponse carries a custom handler's raw reply bytes.
type ApiResponse struct {
	Bytes []byte `codec:"bytes,omitempty"`
}

// ErrorResponse is the structured error every package boundary converts
// its errors to before they leave the dispatcher: only a Kind and a
// Message ever cross the wire.
type ErrorResponse struct {
	Kind    string `codec:"kind"`
	Message string `codec:"message"`
}

// MessageNotification is pushed to a client as an id-less Envelope
// whenever a subscriber it owns receives a published message.
type MessageNotification struct {
	SubscriberID uint64 `codec:"subscriber_id"`
	Topic        string `codec:"topic"`
	Payload      []byte `codec:"payload"`
}

func okResponse() Response { return Response{Kind: ResponseKindOk} }

func serverResponse(r *ServerResponse) Response {
	return Response{Kind: ResponseKindServer, Server: r}
}

func databaseResponse(r *DatabaseResponse) Response {
	return Response{Kind: ResponseKindDatabase, Database: r}
}

func apiResponse(r *ApiResponse) Response {
	return Response{Kind: ResponseKindApi, Api: r}
}

// errorResponse converts err into a Response{Kind: ResponseKindError},
// unwrapping a *kilnerr.Error for its structured kind where available.
func errorResponse(err error) Response { return NewErrorResponse(err) }

// NewErrorResponse is errorResponse's exported form, for callers outside
// this package (pkg/server) that need to report a non-Dispatch failure
// (such as Dispatcher.Subscribe's error return) in the same shape.
func NewErrorResponse(err error) Response {
	var kind kilnerr.Kind = kilnerr.KindInternal
	message := err.Error()
	if kerr, ok := err.(*kilnerr.Error); ok {
		kind = kerr.Kind
		message = kerr.Message
	}
	return Response{Kind: ResponseKindError, Error: &ErrorResponse{Kind: string(kind), Message: message}}
}
