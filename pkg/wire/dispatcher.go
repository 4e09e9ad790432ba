package wire

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/kiln/pkg/database"
	"github.com/cuemby/kiln/pkg/kilnerr"
	"github.com/cuemby/kiln/pkg/kv"
	"github.com/cuemby/kiln/pkg/pubsub"
	"github.com/cuemby/kiln/pkg/storage"
	"github.com/cuemby/kiln/pkg/types"
)

// ApiHandler implements one custom, application-registered operation
// reachable through an ApiRequest.
type ApiHandler func(ctx context.Context, session *types.Session, payload []byte) ([]byte, error)

// Dispatcher turns a Request into a Response against one storage
// instance: it resolves the calling session, checks the operation's
// required permission, executes, and never leaks a side effect when
// permission is denied. Grounded on spec.md §4.5's three-step algorithm.
type Dispatcher struct {
	instance *storage.Instance

	databasesMu sync.Mutex
	databases   map[string]*database.Database

	apiHandlersMu sync.RWMutex
	apiHandlers   map[string]ApiHandler
}

// NewDispatcher returns a Dispatcher serving requests against instance.
func NewDispatcher(instance *storage.Instance) *Dispatcher {
	return &Dispatcher{
		instance:    instance,
		databases:   make(map[string]*database.Database),
		apiHandlers: make(map[string]ApiHandler),
	}
}

// RegisterAPI attaches handler under name, reachable via
// Request{Kind: RequestKindApi, Api: &ApiRequest{Name: name}}.
func (d *Dispatcher) RegisterAPI(name string, handler ApiHandler) error {
	d.apiHandlersMu.Lock()
	defer d.apiHandlersMu.Unlock()
	if _, exists := d.apiHandlers[name]; exists {
		return kilnerr.New(kilnerr.KindAlreadyExists, fmt.Sprintf("API handler %q is already registered", name))
	}
	d.apiHandlers[name] = handler
	return nil
}

// Close closes every database this dispatcher has opened.
func (d *Dispatcher) Close() {
	d.databasesMu.Lock()
	defer d.databasesMu.Unlock()
	for _, db := range d.databases {
		db.Close()
	}
	d.databases = make(map[string]*database.Database)
}

// Dispatch resolves sessionID (nil for anonymous), checks req's required
// permission against that session, executes, and returns the result.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID *uint64, req Request) Response {
	session := d.resolveSession(sessionID)

	if action, resource, gated := actionFor(req); gated && !session.Permissions.Allows(action, resource) {
		return errorResponse(kilnerr.New(kilnerr.KindPermissionDenied, fmt.Sprintf("action %q is not permitted", action)))
	}

	switch req.Kind {
	case RequestKindServer:
		return d.dispatchServer(req.Server)
	case RequestKindDatabase:
		return d.dispatchDatabase(ctx, session, req.Database)
	case RequestKindApi:
		return d.dispatchApi(ctx, session, req.Api)
	default:
		return errorResponse(kilnerr.New(kilnerr.KindInternal, fmt.Sprintf("unrecognized request kind %q", req.Kind)))
	}
}

// resolveSession looks up sessionID against the storage instance,
// falling back to an anonymous, deny-everything session when sessionID
// is nil or no longer registered (e.g. the connection never
// authenticated, or its session was closed concurrently).
func (d *Dispatcher) resolveSession(sessionID *uint64) *types.Session {
	if sessionID != nil {
		if session := d.instance.Session(types.SessionID(*sessionID)); session != nil {
			return session
		}
	}
	return &types.Session{Permissions: types.NewPermissions()}
}

// actionFor reports the permission action and resource a request
// requires, and whether that check applies at all (authenticating is
// exempt: a session cannot hold a permission before it exists; Api
// requests are not gated here, their handler receives the session).
func actionFor(req Request) (types.Action, types.ResourceName, bool) {
	switch req.Kind {
	case RequestKindServer:
		switch req.Server.Op {
		case ServerOpAuthenticate, ServerOpAssumeIdentity:
			return "", "", false
		case ServerOpCreateDatabase:
			return types.ActionDatabaseCreate, types.ResourceName(req.Server.Name), true
		case ServerOpDeleteDatabase:
			return types.ActionDatabaseDelete, types.ResourceName(req.Server.Name), true
		case ServerOpListDatabases, ServerOpListAvailableSchemas:
			return types.ActionDatabaseRead, "", true
		case ServerOpCreateUser, ServerOpDeleteUser, ServerOpSetUserPassword:
			return types.ActionDatabaseCreate, "", true
		}
	case RequestKindDatabase:
		resource := types.ResourceName(req.Database.Name)
		switch req.Database.Op {
		case OpGetDocument, OpViewQuery:
			return types.ActionDatabaseRead, resource, true
		case OpPutDocument, OpDeleteDocument, OpExecuteTxn:
			return types.ActionDatabaseWrite, resource, true
		case OpKVGet:
			return types.ActionKVRead, resource, true
		case OpKVSet, OpKVDelete, OpKVIncrement, OpKVDecrement:
			return types.ActionKVWrite, resource, true
		case OpSubscribe, OpUnsubscribe:
			return types.ActionPubSubSubscribe, resource, true
		case OpPublish:
			return types.ActionPubSubPublish, resource, true
		}
	case RequestKindApi:
		return "", "", false
	}
	return "", "", true
}

func (d *Dispatcher) dispatchServer(req *ServerRequest) Response {
	switch req.Op {
	case ServerOpListDatabases:
		dbs, err := d.instance.ListDatabases()
		if err != nil {
			return errorResponse(err)
		}
		// The reserved admin database is not listed to clients.
		listed := dbs[:0]
		for _, db := range dbs {
			if db.Name != "_admin" {
				listed = append(listed, db)
			}
		}
		return serverResponse(&ServerResponse{Databases: listed})

	case ServerOpListAvailableSchemas:
		return serverResponse(&ServerResponse{Schemas: d.instance.ListAvailableSchemas()})

	case ServerOpCreateDatabase:
		if err := d.instance.CreateDatabaseWithSchema(req.Name, req.SchemaName, req.OnlyIfNeeded); err != nil {
			return errorResponse(err)
		}
		return okResponse()

	case ServerOpDeleteDatabase:
		if err := d.instance.DeleteDatabase(req.Name); err != nil {
			return errorResponse(err)
		}
		d.databasesMu.Lock()
		if db, open := d.databases[req.Name]; open {
			db.Close()
			delete(d.databases, req.Name)
		}
		d.databasesMu.Unlock()
		return okResponse()

	case ServerOpCreateUser:
		id, err := d.instance.CreateUser(req.Username, req.Password)
		if err != nil {
			return errorResponse(err)
		}
		return serverResponse(&ServerResponse{UserID: id})

	case ServerOpDeleteUser:
		if err := d.instance.DeleteUser(req.Username); err != nil {
			return errorResponse(err)
		}
		return okResponse()

	case ServerOpSetUserPassword:
		if err := d.instance.SetUserPassword(req.Username, req.NewPassword); err != nil {
			return errorResponse(err)
		}
		return okResponse()

	case ServerOpAuthenticate:
		session, err := d.instance.Authenticate(req.Username, req.Password)
		if err != nil {
			return errorResponse(err)
		}
		id := uint64(session.ID)
		return serverResponse(&ServerResponse{SessionID: &id})

	case ServerOpAssumeIdentity:
		session, err := d.instance.AssumeIdentity(req.UserID)
		if err != nil {
			return errorResponse(err)
		}
		id := uint64(session.ID)
		return serverResponse(&ServerResponse{SessionID: &id})

	default:
		return errorResponse(kilnerr.New(kilnerr.KindInternal, fmt.Sprintf("unrecognized server op %q", req.Op)))
	}
}

func (d *Dispatcher) openDatabase(name string) (*database.Database, error) {
	d.databasesMu.Lock()
	defer d.databasesMu.Unlock()

	if db, ok := d.databases[name]; ok {
		return db, nil
	}

	records, err := d.instance.ListDatabases()
	if err != nil {
		return nil, err
	}
	var schemaName string
	found := false
	for _, rec := range records {
		if rec.Name == name {
			schemaName, found = rec.SchemaName, true
			break
		}
	}
	if !found {
		return nil, kilnerr.New(kilnerr.KindNotFound, fmt.Sprintf("database %q does not exist", name))
	}

	db, err := database.Open(d.instance, name, schemaName)
	if err != nil {
		return nil, err
	}
	d.databases[name] = db
	return db, nil
}

func (d *Dispatcher) dispatchDatabase(ctx context.Context, session *types.Session, req *DatabaseRequest) Response {
	db, err := d.openDatabase(req.Name)
	if err != nil {
		return errorResponse(err)
	}

	switch req.Op {
	case OpGetDocument:
		value, err := db.GetDocument(req.Collection, req.ID)
		if err != nil {
			return errorResponse(err)
		}
		return databaseResponse(&DatabaseResponse{Value: value, Found: value != nil})

	case OpPutDocument:
		txnID, err := db.PutDocument(req.Collection, req.ID, req.Value)
		if err != nil {
			return errorResponse(err)
		}
		return databaseResponse(&DatabaseResponse{TransactionID: uint64(txnID)})

	case OpDeleteDocument:
		txnID, err := db.DeleteDocument(req.Collection, req.ID)
		if err != nil {
			return errorResponse(err)
		}
		return databaseResponse(&DatabaseResponse{TransactionID: uint64(txnID)})

	case OpExecuteTxn:
		txnID, err := db.ExecuteDocumentBatch(req.Ops)
		if err != nil {
			return errorResponse(err)
		}
		return databaseResponse(&DatabaseResponse{TransactionID: uint64(txnID)})

	case OpViewQuery:
		entries, err := db.ViewQuery(ctx, req.ViewName)
		if err != nil {
			return errorResponse(err)
		}
		return databaseResponse(&DatabaseResponse{Entries: entries})

	case OpKVGet:
		val, err := db.KV().Get(ctx, req.Namespace, req.Key, kv.GetOptions{})
		if err != nil {
			return errorResponse(err)
		}
		return databaseResponse(&DatabaseResponse{KVValue: val})

	case OpKVSet:
		prev, err := db.KV().Set(ctx, req.Namespace, req.Key, req.KVValue, req.KVSetOptions)
		if err != nil {
			return errorResponse(err)
		}
		return databaseResponse(&DatabaseResponse{KVValue: prev})

	case OpKVDelete:
		prev, err := db.KV().Delete(ctx, req.Namespace, req.Key)
		if err != nil {
			return errorResponse(err)
		}
		return databaseResponse(&DatabaseResponse{KVValue: prev})

	case OpKVIncrement:
		val, err := db.KV().Increment(ctx, req.Namespace, req.Key, req.KVAmount, req.Saturating)
		if err != nil {
			return errorResponse(err)
		}
		return databaseResponse(&DatabaseResponse{KVValue: &val})

	case OpKVDecrement:
		val, err := db.KV().Decrement(ctx, req.Namespace, req.Key, req.KVAmount, req.Saturating)
		if err != nil {
			return errorResponse(err)
		}
		return databaseResponse(&DatabaseResponse{KVValue: &val})

	case OpSubscribe:
		sub := d.createSubscriber(session, req.Topic)
		return databaseResponse(&DatabaseResponse{SubscriberID: uint64(sub.ID())})

	case OpUnsubscribe:
		d.instance.Relay().Close(types.SubscriberID(req.SubscriberID))
		return okResponse()

	case OpPublish:
		d.instance.Relay().Publish(req.Topic, req.Payload)
		return okResponse()

	default:
		return errorResponse(kilnerr.New(kilnerr.KindInternal, fmt.Sprintf("unrecognized database op %q", req.Op)))
	}
}

func (d *Dispatcher) createSubscriber(session *types.Session, topic string) *pubsub.Subscriber {
	var sessionID *types.SessionID
	if session.ID != 0 {
		sessionID = &session.ID
	}
	sub := d.instance.Relay().CreateSubscriber(sessionID)
	sub.Subscribe(topic)
	return sub
}

// Subscribe is the Dispatch-equivalent for OpSubscribe that hands back
// the live *pubsub.Subscriber rather than just its id: pkg/server needs
// the subscriber's Receive() channel in hand to pump deliveries onto the
// connection that issued the request, which a plain Response cannot
// carry.
func (d *Dispatcher) Subscribe(sessionID *uint64, req *DatabaseRequest) (*pubsub.Subscriber, error) {
	session := d.resolveSession(sessionID)
	if action, resource, gated := actionFor(Request{Kind: RequestKindDatabase, Database: req}); gated && !session.Permissions.Allows(action, resource) {
		return nil, kilnerr.New(kilnerr.KindPermissionDenied, fmt.Sprintf("action %q is not permitted", action))
	}
	if _, err := d.openDatabase(req.Name); err != nil {
		return nil, err
	}
	return d.createSubscriber(session, req.Topic), nil
}

func (d *Dispatcher) dispatchApi(ctx context.Context, session *types.Session, req *ApiRequest) Response {
	d.apiHandlersMu.RLock()
	handler, ok := d.apiHandlers[req.Name]
	d.apiHandlersMu.RUnlock()
	if !ok {
		return errorResponse(kilnerr.New(kilnerr.KindNotFound, fmt.Sprintf("no API handler registered for %q", req.Name)))
	}

	out, err := handler(ctx, session, req.Bytes)
	if err != nil {
		return errorResponse(err)
	}
	return apiResponse(&ApiResponse{Bytes: out})
}
