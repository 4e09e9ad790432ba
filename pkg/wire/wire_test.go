package wire

import (
	"context"
	"testing"

	"github.com/cuemby/kiln/pkg/database"
	"github.com/cuemby/kiln/pkg/kilnerr"
	"github.com/cuemby/kiln/pkg/storage"
	"github.com/cuemby/kiln/pkg/types"
)

func openTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	inst, err := storage.Open(storage.Config{Path: t.TempDir(), WorkerCount: 2})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close() })
	return NewDispatcher(inst)
}

// adminSessionID creates a session granted every action this package
// exercises and returns a pointer to its id, ready to pass to Dispatch.
func adminSessionID(t *testing.T, d *Dispatcher) *uint64 {
	t.Helper()
	perms := types.NewPermissions()
	for _, action := range []types.Action{
		types.ActionDatabaseCreate, types.ActionDatabaseDelete, types.ActionDatabaseRead, types.ActionDatabaseWrite,
		types.ActionKVRead, types.ActionKVWrite, types.ActionPubSubSubscribe, types.ActionPubSubPublish,
	} {
		perms.Grant(action, "")
	}
	session := d.instance.CreateSession(&types.Identity{Kind: types.IdentityKindUser, Username: "admin"}, perms)
	id := uint64(session.ID)
	return &id
}

func TestEnvelopeRequestRoundTrip(t *testing.T) {
	req := Request{
		Kind: RequestKindServer,
		Server: &ServerRequest{
			Op:   ServerOpCreateDatabase,
			Name: "widgets",
		},
	}
	sessionID := uint64(7)
	frame, err := EncodeRequestEnvelope(&sessionID, 42, req)
	if err != nil {
		t.Fatalf("EncodeRequestEnvelope: %v", err)
	}

	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.SessionID == nil || *env.SessionID != sessionID {
		t.Fatalf("got session id %v, want %d", env.SessionID, sessionID)
	}
	if env.ID == nil || *env.ID != 42 {
		t.Fatalf("got id %v, want 42", env.ID)
	}

	decoded, err := DecodeRequest(env)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if decoded.Kind != RequestKindServer || decoded.Server.Op != ServerOpCreateDatabase || decoded.Server.Name != "widgets" {
		t.Fatalf("got %+v, want a matching create-database request", decoded)
	}
}

func TestEnvelopeResponseRoundTrip(t *testing.T) {
	resp := okResponse()
	frame, err := EncodeResponseEnvelope(nil, resp)
	if err != nil {
		t.Fatalf("EncodeResponseEnvelope: %v", err)
	}

	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.ID != nil {
		t.Fatalf("got id %v, want nil for an unsolicited push", env.ID)
	}

	decoded, err := DecodeResponse(env)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if decoded.Kind != ResponseKindOk {
		t.Fatalf("got kind %q, want ok", decoded.Kind)
	}
}

func TestDispatchDeniesUnauthorizedCreateDatabase(t *testing.T) {
	d := openTestDispatcher(t)

	resp := d.Dispatch(context.Background(), nil, Request{
		Kind: RequestKindServer,
		Server: &ServerRequest{
			Op:         ServerOpCreateDatabase,
			Name:       "widgets",
			SchemaName: "widget-schema",
		},
	})
	if resp.Kind != ResponseKindError {
		t.Fatalf("got kind %q, want error for an anonymous caller", resp.Kind)
	}
	if resp.Error.Kind != string(kilnerr.KindPermissionDenied) {
		t.Fatalf("got error kind %q, want %q", resp.Error.Kind, kilnerr.KindPermissionDenied)
	}
}

func TestDispatchAuthenticateBypassesPermissionCheck(t *testing.T) {
	d := openTestDispatcher(t)
	if _, err := d.instance.CreateUser("alice", "hunter2"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	resp := d.Dispatch(context.Background(), nil, Request{
		Kind: RequestKindServer,
		Server: &ServerRequest{
			Op:       ServerOpAuthenticate,
			Username: "alice",
			Password: "hunter2",
		},
	})
	if resp.Kind != ResponseKindServer {
		t.Fatalf("got %+v, want a server response", resp)
	}
	if resp.Server.SessionID == nil {
		t.Fatalf("expected a session id on successful authentication")
	}
}

func TestDispatchCreateAndListDatabases(t *testing.T) {
	d := openTestDispatcher(t)
	sessionID := adminSessionID(t, d)

	if err := d.instance.RegisterSchema("widget-schema"); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}

	createResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindServer,
		Server: &ServerRequest{
			Op:         ServerOpCreateDatabase,
			Name:       "widgets",
			SchemaName: "widget-schema",
		},
	})
	if createResp.Kind != ResponseKindOk {
		t.Fatalf("got %+v, want ok", createResp)
	}

	listResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind:   RequestKindServer,
		Server: &ServerRequest{Op: ServerOpListDatabases},
	})
	if listResp.Kind != ResponseKindServer {
		t.Fatalf("got %+v, want a server response", listResp)
	}
	if len(listResp.Server.Databases) != 1 || listResp.Server.Databases[0].Name != "widgets" {
		t.Fatalf("got %+v, want one database named widgets", listResp.Server.Databases)
	}
}

func openWidgetsDatabase(t *testing.T, d *Dispatcher, sessionID *uint64) {
	t.Helper()
	if err := d.instance.RegisterSchema("widget-schema"); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	resp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindServer,
		Server: &ServerRequest{
			Op:         ServerOpCreateDatabase,
			Name:       "widgets",
			SchemaName: "widget-schema",
		},
	})
	if resp.Kind != ResponseKindOk {
		t.Fatalf("got %+v, want ok creating widgets", resp)
	}
}

func TestDispatchDocumentCRUD(t *testing.T) {
	d := openTestDispatcher(t)
	sessionID := adminSessionID(t, d)
	openWidgetsDatabase(t, d, sessionID)

	putResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name:       "widgets",
			Op:         OpPutDocument,
			Collection: "widgets",
			ID:         []byte("w1"),
			Value:      []byte(`{"name":"gear"}`),
		},
	})
	if putResp.Kind != ResponseKindDatabase || putResp.Database.TransactionID == 0 {
		t.Fatalf("got %+v, want a database response with a nonzero transaction id", putResp)
	}

	getResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name:       "widgets",
			Op:         OpGetDocument,
			Collection: "widgets",
			ID:         []byte("w1"),
		},
	})
	if !getResp.Database.Found || string(getResp.Database.Value) != `{"name":"gear"}` {
		t.Fatalf("got %+v, want the stored document", getResp)
	}

	delResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name:       "widgets",
			Op:         OpDeleteDocument,
			Collection: "widgets",
			ID:         []byte("w1"),
		},
	})
	if delResp.Kind != ResponseKindDatabase {
		t.Fatalf("got %+v, want a database response", delResp)
	}

	afterResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name:       "widgets",
			Op:         OpGetDocument,
			Collection: "widgets",
			ID:         []byte("w1"),
		},
	})
	if afterResp.Database.Found {
		t.Fatalf("document should be gone after delete")
	}
}

func TestDispatchExecuteTransactionBatch(t *testing.T) {
	d := openTestDispatcher(t)
	sessionID := adminSessionID(t, d)
	openWidgetsDatabase(t, d, sessionID)

	resp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name: "widgets",
			Op:   OpExecuteTxn,
			Ops: []database.DocumentOp{
				{Collection: "widgets", ID: []byte("w1"), Value: []byte("one")},
				{Collection: "widgets", ID: []byte("w2"), Value: []byte("two")},
			},
		},
	})
	if resp.Kind != ResponseKindDatabase || resp.Database.TransactionID == 0 {
		t.Fatalf("got %+v, want a committed batch transaction", resp)
	}

	getResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name:       "widgets",
			Op:         OpGetDocument,
			Collection: "widgets",
			ID:         []byte("w2"),
		},
	})
	if string(getResp.Database.Value) != "two" {
		t.Fatalf("got %q, want \"two\"", getResp.Database.Value)
	}
}

func TestDispatchKVRoundTrip(t *testing.T) {
	d := openTestDispatcher(t)
	sessionID := adminSessionID(t, d)
	openWidgetsDatabase(t, d, sessionID)

	setResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name:      "widgets",
			Op:        OpKVSet,
			Namespace: "counters",
			Key:       "views",
			KVValue:   types.Int64Value(1),
		},
	})
	if setResp.Kind != ResponseKindDatabase {
		t.Fatalf("got %+v, want a database response", setResp)
	}

	incResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name:      "widgets",
			Op:        OpKVIncrement,
			Namespace: "counters",
			Key:       "views",
			KVAmount:  types.Numeric{Kind: types.NumericKindInt64, Int64: 4},
		},
	})
	if incResp.Database.KVValue == nil || incResp.Database.KVValue.Numeric.Int64 != 5 {
		t.Fatalf("got %+v, want an incremented value of 5", incResp.Database.KVValue)
	}

	getResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name:      "widgets",
			Op:        OpKVGet,
			Namespace: "counters",
			Key:       "views",
		},
	})
	if getResp.Database.KVValue == nil || getResp.Database.KVValue.Numeric.Int64 != 5 {
		t.Fatalf("got %+v, want 5", getResp.Database.KVValue)
	}
}

func TestDispatchPubSubSubscribePublishUnsubscribe(t *testing.T) {
	d := openTestDispatcher(t)
	sessionID := adminSessionID(t, d)
	openWidgetsDatabase(t, d, sessionID)

	subResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name:  "widgets",
			Op:    OpSubscribe,
			Topic: "widget-events",
		},
	})
	if subResp.Kind != ResponseKindDatabase || subResp.Database.SubscriberID == 0 {
		t.Fatalf("got %+v, want a nonzero subscriber id", subResp)
	}

	subscriber := d.instance.Relay().CreateSubscriber(nil)
	subscriber.Subscribe("widget-events")

	pubResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name:    "widgets",
			Op:      OpPublish,
			Topic:   "widget-events",
			Payload: []byte("hello"),
		},
	})
	if pubResp.Kind != ResponseKindOk {
		t.Fatalf("got %+v, want ok", pubResp)
	}

	select {
	case msg := <-subscriber.Receive():
		if string(msg.Payload) != "hello" {
			t.Fatalf("got payload %q, want hello", msg.Payload)
		}
	default:
		t.Fatalf("expected a delivered message")
	}

	unsubResp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindDatabase,
		Database: &DatabaseRequest{
			Name:         "widgets",
			Op:           OpUnsubscribe,
			SubscriberID: uint64(subscriber.ID()),
		},
	})
	if unsubResp.Kind != ResponseKindOk {
		t.Fatalf("got %+v, want ok", unsubResp)
	}
}

func TestDispatchApiHandlerRoundTrip(t *testing.T) {
	d := openTestDispatcher(t)
	sessionID := adminSessionID(t, d)

	if err := d.RegisterAPI("echo", func(ctx context.Context, session *types.Session, payload []byte) ([]byte, error) {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}); err != nil {
		t.Fatalf("RegisterAPI: %v", err)
	}

	resp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindApi,
		Api:  &ApiRequest{Name: "echo", Bytes: []byte("ping")},
	})
	if resp.Kind != ResponseKindApi || string(resp.Api.Bytes) != "ping" {
		t.Fatalf("got %+v, want an echoed ping", resp)
	}
}

func TestDispatchApiHandlerUnknownNameIsNotFound(t *testing.T) {
	d := openTestDispatcher(t)
	sessionID := adminSessionID(t, d)

	resp := d.Dispatch(context.Background(), sessionID, Request{
		Kind: RequestKindApi,
		Api:  &ApiRequest{Name: "missing"},
	})
	if resp.Kind != ResponseKindError || resp.Error.Kind != string(kilnerr.KindNotFound) {
		t.Fatalf("got %+v, want KindNotFound", resp)
	}
}

func TestRegisterAPIRejectsDuplicateName(t *testing.T) {
	d := openTestDispatcher(t)
	handler := func(ctx context.Context, session *types.Session, payload []byte) ([]byte, error) { return nil, nil }

	if err := d.RegisterAPI("echo", handler); err != nil {
		t.Fatalf("RegisterAPI: %v", err)
	}
	if err := d.RegisterAPI("echo", handler); !kilnerr.Is(err, kilnerr.KindAlreadyExists) {
		t.Fatalf("got %v, want KindAlreadyExists", err)
	}
}
