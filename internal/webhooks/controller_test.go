package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/iaze0088/IazeConnect-sub004/internal/ingest"
	"github.com/iaze0088/IazeConnect-sub004/internal/reconcile"
	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/internal/webhook"
	"github.com/iaze0088/IazeConnect-sub004/pkg/auth"
	"github.com/iaze0088/IazeConnect-sub004/pkg/provider"
	"github.com/iaze0088/IazeConnect-sub004/pkg/router"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	app    *fiber.App
	auth   *auth.Authenticator
	engine *reconcile.Engine
	hooks  *webhook.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock, err := provider.NewMock()
	if err != nil {
		t.Fatalf("NewMock: %v", err)
	}
	s := store.NewMemory()
	cfg := reconcile.DefaultConfig()
	cfg.PollInitialInterval = time.Hour
	cfg.PollMaxInterval = time.Hour
	engine := reconcile.NewEngine(s, mock, cfg)
	t.Cleanup(engine.Shutdown)

	hooks, err := webhook.NewEngine(webhook.NewMemoryStore(), webhook.Config{
		Enabled:      true,
		Workers:      2,
		RetryLimit:   1,
		RetryBackoff: time.Millisecond,
		Timeout:      time.Second,
		AllowPrivate: true,
		NodeID:       1,
	})
	if err != nil {
		t.Fatalf("webhook.NewEngine: %v", err)
	}
	t.Cleanup(func() { hooks.Shutdown(time.Second) })

	authenticator, err := auth.NewAuthenticator(testSecret, "admin-secret", tenant.NewOriginResolver(nil))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	receiver := NewReceiver(ingest.New(engine, store.NewRoutingCache(s, time.Minute), nil))
	ctl := New(hooks, true)

	app := fiber.New(fiber.Config{ErrorHandler: router.HttpErrorHandler})
	app.Post("/webhooks/provider", receiver.Receive)
	app.Post("/webhooks/provider/:tenant_id", receiver.Receive)
	group := app.Group("/webhooks", authenticator.CallerAuth())
	group.Get("/", ctl.ListWebhooks)
	group.Post("/", ctl.CreateWebhook)
	group.Get("/:webhook_id", ctl.GetWebhook)
	group.Patch("/:webhook_id", ctl.UpdateWebhook)
	group.Delete("/:webhook_id", ctl.DeleteWebhook)
	group.Get("/:webhook_id/logs", ctl.GetWebhookLogs)
	group.Post("/:webhook_id/test", ctl.TestWebhook)

	return &fixture{app: app, auth: authenticator, engine: engine, hooks: hooks}
}

func (f *fixture) token(t *testing.T, tenantID string) string {
	t.Helper()
	token, err := f.auth.GenerateCallerToken("owner", tenant.RoleOwner, tenantID, time.Hour)
	if err != nil {
		t.Fatalf("GenerateCallerToken: %v", err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method string, path string, token string, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := f.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return resp.StatusCode, out
}

func data(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	d, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no data: %+v", body)
	}
	return d
}

func TestReceiveAppliesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.CreateSession(ctx, tenant.ForTenant("tenant-a"), "shop-1", ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	code, body := f.do(t, http.MethodPost, "/webhooks/provider", "",
		`{"event":"status-find","session":"shop-1","state":"CONNECTED","phone":"5511999990000"}`)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("receive: got %d %+v", code, body)
	}

	view, err := f.engine.Status(ctx, tenant.ForTenant("tenant-a"), "shop-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if view.Status != store.StatusConnected || view.PhoneNumber == nil || *view.PhoneNumber != "5511999990000" {
		t.Fatalf("unexpected view after webhook: %+v", view)
	}
}

func TestReceiveAlwaysAnswers200(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.CreateSession(context.Background(), tenant.ForTenant("tenant-a"), "shop-1", ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	tests := []struct {
		name        string
		path        string
		body        string
		wantSuccess bool
	}{
		{"not json", "/webhooks/provider", `{nope`, false},
		{"json array", "/webhooks/provider", `[1,2]`, false},
		{"missing session", "/webhooks/provider", `{"event":"connection"}`, false},
		{"unknown session", "/webhooks/provider", `{"event":"connection","session":"ghost","state":"CONNECTED"}`, true},
		{"foreign tenant path", "/webhooks/provider/tenant-b", `{"event":"connection","session":"shop-1","state":"CONNECTED"}`, true},
		{"not a status event", "/webhooks/provider", `{"event":"onack","session":"shop-1"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, tt.path, "", tt.body)
			if code != http.StatusOK {
				t.Fatalf("expected 200, got %d", code)
			}
			if body["success"] != tt.wantSuccess {
				t.Fatalf("expected success=%v, got %+v", tt.wantSuccess, body)
			}
		})
	}

	view, _ := f.engine.Status(context.Background(), tenant.ForTenant("tenant-a"), "shop-1")
	if view.Connected {
		t.Fatal("a webhook routed through another tenant must not change the instance")
	}
}

func TestWebhookCRUD(t *testing.T) {
	f := newFixture(t)
	ownerA := f.token(t, "tenant-a")
	ownerB := f.token(t, "tenant-b")

	code, body := f.do(t, http.MethodPost, "/webhooks", ownerA,
		`{"url":"http://127.0.0.1:9/hook","events":["connection.connected"]}`)
	if code != http.StatusCreated {
		t.Fatalf("create: got %d %+v", code, body)
	}
	created := data(t, body)
	if secret, _ := created["secret"].(string); len(secret) != 64 {
		t.Fatalf("expected a 32-byte hex secret, got %v", created["secret"])
	}
	id := int(created["webhook_id"].(float64))
	path := "/webhooks/" + strconv.Itoa(id)

	if code, _ := f.do(t, http.MethodGet, path, ownerB, ""); code != http.StatusNotFound {
		t.Fatalf("other tenant must see 404, got %d", code)
	}
	code, body = f.do(t, http.MethodGet, path, ownerA, "")
	if code != http.StatusOK {
		t.Fatalf("get: got %d", code)
	}
	if _, leaked := data(t, body)["webhook"].(map[string]interface{})["secret"]; leaked {
		t.Fatal("secret must not be served after creation")
	}

	if code, _ := f.do(t, http.MethodPatch, path, ownerA, `{"url":"http://127.0.0.1:9/other","events":[],"active":false}`); code != http.StatusOK {
		t.Fatalf("update: got %d", code)
	}
	_, body = f.do(t, http.MethodGet, "/webhooks", ownerA, "")
	hooks := data(t, body)["webhooks"].([]interface{})
	if len(hooks) != 1 || hooks[0].(map[string]interface{})["active"] != false {
		t.Fatalf("unexpected list after update: %+v", hooks)
	}

	if code, _ := f.do(t, http.MethodDelete, path, ownerB, ""); code != http.StatusNotFound {
		t.Fatalf("other tenant delete must be 404, got %d", code)
	}
	if code, _ := f.do(t, http.MethodDelete, path, ownerA, ""); code != http.StatusOK {
		t.Fatalf("delete: got %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, path, ownerA, ""); code != http.StatusNotFound {
		t.Fatalf("deleted webhook must be 404, got %d", code)
	}
}

func TestWebhookValidation(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "tenant-a")

	tests := []struct {
		name string
		body string
	}{
		{"missing url", `{"events":[]}`},
		{"bad scheme", `{"url":"ftp://example.com/hook"}`},
		{"unknown event", `{"url":"http://127.0.0.1/hook","events":["message.sent"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := f.do(t, http.MethodPost, "/webhooks", owner, tt.body); code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", code)
			}
		})
	}

	if code, _ := f.do(t, http.MethodGet, "/webhooks/abc", owner, ""); code != http.StatusBadRequest {
		t.Fatalf("non-numeric id must be 400, got %d", code)
	}
	super, _ := f.auth.GenerateCallerToken("root", tenant.RoleSuperAdmin, "", time.Hour)
	if code, _ := f.do(t, http.MethodGet, "/webhooks", super, ""); code != http.StatusForbidden {
		t.Fatalf("platform caller without tenant_id must be 403, got %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/webhooks?tenant_id=tenant-a", super, ""); code != http.StatusOK {
		t.Fatalf("platform caller with tenant_id: got %d", code)
	}
}

func TestWebhookTestPing(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "tenant-a")

	var hits atomic.Int32
	var eventType atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventType.Store(r.Header.Get("X-Webhook-Event"))
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, body := f.do(t, http.MethodPost, "/webhooks", owner, `{"url":"`+srv.URL+`","events":["connection.closed"]}`)
	id := int(data(t, body)["webhook_id"].(float64))
	path := "/webhooks/" + strconv.Itoa(id)

	if code, _ := f.do(t, http.MethodPost, path+"/test", owner, ""); code != http.StatusOK {
		t.Fatalf("test ping: got %d", code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hits.Load() != 1 || eventType.Load() != string(webhook.EventTestPing) {
		t.Fatalf("expected one test.ping delivery, got %d (%v)", hits.Load(), eventType.Load())
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, body = f.do(t, http.MethodGet, path+"/logs", owner, "")
		if logs := data(t, body)["logs"].([]interface{}); len(logs) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("delivery log was not recorded")
}
