package wire

import (
	"github.com/cuemby/kiln/pkg/database"
	"github.com/cuemby/kiln/pkg/kv"
	"github.com/cuemby/kiln/pkg/types"
)

// RequestKind discriminates which of Request's payload fields is set.
type RequestKind string

const (
	RequestKindServer   RequestKind = "server"
	RequestKindDatabase RequestKind = "database"
	RequestKindApi      RequestKind = "api"
)

// Request is a client-to-server message: exactly one of Server,
// Database, or Api is populated, matching Kind.
type Request struct {
	Kind     RequestKind      `codec:"kind"`
	Server   *ServerRequest   `codec:"server,omitempty"`
	Database *DatabaseRequest `codec:"database,omitempty"`
	Api      *ApiRequest      `codec:"api,omitempty"`
}

// ServerOp names one server-scoped operation.
type ServerOp string

const (
	ServerOpListDatabases        ServerOp = "list_databases"
	ServerOpListAvailableSchemas ServerOp = "list_available_schemas"
	ServerOpCreateDatabase       ServerOp = "create_database"
	ServerOpDeleteDatabase       ServerOp = "delete_database"
	ServerOpCreateUser           ServerOp = "create_user"
	ServerOpDeleteUser           ServerOp = "delete_user"
	ServerOpSetUserPassword      ServerOp = "set_user_password"
	ServerOpAuthenticate         ServerOp = "authenticate"
	ServerOpAssumeIdentity       ServerOp = "assume_identity"
)

// ServerRequest carries every server-scoped operation's arguments; only
// the fields relevant to Op are meaningful.
type ServerRequest struct {
	Op ServerOp `codec:"op"`

	Name         string `codec:"name,omitempty"`          // database name
	SchemaName   string `codec:"schema_name,omitempty"`
	OnlyIfNeeded bool   `codec:"only_if_needed,omitempty"`

	Username    string `codec:"username,omitempty"`
	Password    string `codec:"password,omitempty"`
	NewPassword string `codec:"new_password,omitempty"`
	UserID      uint64 `codec:"user_id,omitempty"`
}

// DatabaseOp names one database-scoped operation.
type DatabaseOp string

const (
	OpGetDocument    DatabaseOp = "get_document"
	OpPutDocument    DatabaseOp = "put_document"
	OpDeleteDocument DatabaseOp = "delete_document"
	OpExecuteTxn     DatabaseOp = "execute_transaction"
	OpViewQuery      DatabaseOp = "view_query"
	OpKVGet          DatabaseOp = "kv_get"
	OpKVSet          DatabaseOp = "kv_set"
	OpKVDelete       DatabaseOp = "kv_delete"
	OpKVIncrement    DatabaseOp = "kv_increment"
	OpKVDecrement    DatabaseOp = "kv_decrement"
	OpSubscribe      DatabaseOp = "subscribe"
	OpUnsubscribe    DatabaseOp = "unsubscribe"
	OpPublish        DatabaseOp = "publish"
)

// DatabaseRequest carries every database-scoped operation's arguments
// against the database named Name; only the fields relevant to Op are
// meaningful.
type DatabaseRequest struct {
	Name string     `codec:"name"`
	Op   DatabaseOp `codec:"op"`

	Collection string `codec:"collection,omitempty"`
	ID         []byte `codec:"id,omitempty"`
	Value      []byte `codec:"value,omitempty"`

	Ops []database.DocumentOp `codec:"ops,omitempty"` // OpExecuteTxn

	ViewName string `codec:"view_name,omitempty"`

	Namespace    string        `codec:"namespace,omitempty"`
	Key          string        `codec:"key,omitempty"`
	KVValue      types.Value   `codec:"kv_value,omitempty"`
	KVSetOptions kv.SetOptions `codec:"kv_set_options,omitempty"`
	KVAmount     types.Numeric `codec:"kv_amount,omitempty"`
	Saturating   bool          `codec:"saturating,omitempty"` // OpKVIncrement/OpKVDecrement

	Topic        string `codec:"topic,omitempty"`
	Payload      []byte `codec:"payload,omitempty"`
	SubscriberID uint64 `codec:"subscriber_id,omitempty"`
}

// ApiRequest invokes a custom, application-registered handler by name.
type ApiRequest struct {
	Name  string `codec:"name"`
	Bytes []byte `codec:"bytes,omitempty"`
}
