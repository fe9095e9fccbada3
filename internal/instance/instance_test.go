package instance

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/iaze0088/IazeConnect-sub004/internal/limiter"
	"github.com/iaze0088/IazeConnect-sub004/internal/reconcile"
	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/pkg/auth"
	"github.com/iaze0088/IazeConnect-sub004/pkg/provider"
	"github.com/iaze0088/IazeConnect-sub004/pkg/router"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	app  *fiber.App
	auth *auth.Authenticator
	mock *provider.Mock
}

func newTestServer(t *testing.T, limits limiter.Config) *testServer {
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

	authenticator, err := auth.NewAuthenticator(testSecret, "admin-secret", tenant.NewOriginResolver(nil))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	ctl := New(engine, limiter.New(s, limits), "http://hooks.local/webhooks/provider")
	app := fiber.New(fiber.Config{ErrorHandler: router.HttpErrorHandler})
	group := app.Group("/instances", authenticator.CallerAuth())
	group.Post("/", ctl.Create)
	group.Get("/", ctl.List)
	group.Get("/:name/status", ctl.Status)
	group.Post("/:name/recheck", ctl.Recheck)
	group.Delete("/:name", ctl.Close)
	group.Get("/:name/usage", ctl.Usage)
	group.Post("/:name/usage/sent", ctl.RecordSent)
	group.Post("/:name/usage/received", ctl.RecordReceived)

	return &testServer{app: app, auth: authenticator, mock: mock}
}

func (ts *testServer) token(t *testing.T, role tenant.Role, tenantID string) string {
	t.Helper()
	token, err := ts.auth.GenerateCallerToken("user-"+tenantID, role, tenantID, time.Hour)
	if err != nil {
		t.Fatalf("GenerateCallerToken: %v", err)
	}
	return token
}

func (ts *testServer) do(t *testing.T, method string, path string, token string, body string) (int, router.Response) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := ts.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out router.Response
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return resp.StatusCode, out
}

func dataField(t *testing.T, resp router.Response, key string) interface{} {
	t.Helper()
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("response has no data object: %+v", resp)
	}
	return data[key]
}

func TestCreateAndStatus(t *testing.T) {
	ts := newTestServer(t, limiter.Config{})
	owner := ts.token(t, tenant.RoleOwner, "tenant-a")

	code, resp := ts.do(t, http.MethodPost, "/instances", owner, `{"instance_name":"shop-1"}`)
	if code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", code, resp.Message)
	}
	if dataField(t, resp, "status") != string(store.StatusQRCode) {
		t.Fatalf("expected qrcode status, got %v", dataField(t, resp, "status"))
	}
	if qr, _ := dataField(t, resp, "qr_code_base64").(string); qr == "" {
		t.Fatal("expected a QR code in the create response")
	}

	code, resp = ts.do(t, http.MethodGet, "/instances/shop-1/status", owner, "")
	if code != http.StatusOK || dataField(t, resp, "connected") != false {
		t.Fatalf("status: got %d %+v", code, resp.Data)
	}

	ts.mock.SetConnected("shop-1", "5511999990000")
	code, resp = ts.do(t, http.MethodPost, "/instances/shop-1/recheck", owner, "")
	if code != http.StatusOK || dataField(t, resp, "status") != string(store.StatusConnected) {
		t.Fatalf("recheck: got %d %+v", code, resp.Data)
	}

	code, resp = ts.do(t, http.MethodGet, "/instances?status=connected", owner, "")
	if code != http.StatusOK || dataField(t, resp, "count") != float64(1) {
		t.Fatalf("list: got %d %+v", code, resp.Data)
	}
}

func TestCreateValidation(t *testing.T) {
	ts := newTestServer(t, limiter.Config{})
	owner := ts.token(t, tenant.RoleOwner, "tenant-a")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"empty name", `{"instance_name":""}`, http.StatusBadRequest},
		{"bad webhook url", `{"instance_name":"shop-1","webhook_url":"ftp://x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, resp := ts.do(t, http.MethodPost, "/instances", owner, tt.body); code != tt.want {
				t.Fatalf("expected %d, got %d (%s)", tt.want, code, resp.Message)
			}
		})
	}
}

func TestAuthAndScope(t *testing.T) {
	ts := newTestServer(t, limiter.Config{})
	ownerA := ts.token(t, tenant.RoleOwner, "tenant-a")
	ownerB := ts.token(t, tenant.RoleOwner, "tenant-b")

	if code, _ := ts.do(t, http.MethodGet, "/instances", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}

	// admin without a tenant domain has no scope
	admin := ts.token(t, tenant.RoleAdmin, "")
	if code, _ := ts.do(t, http.MethodGet, "/instances", admin, ""); code != http.StatusForbidden {
		t.Fatalf("expected 403 for admin without origin, got %d", code)
	}

	if code, _ := ts.do(t, http.MethodPost, "/instances", ownerA, `{"instance_name":"shop-1"}`); code != http.StatusCreated {
		t.Fatalf("create: got %d", code)
	}
	if code, _ := ts.do(t, http.MethodGet, "/instances/shop-1/status", ownerB, ""); code != http.StatusNotFound {
		t.Fatalf("other tenant must see 404, got %d", code)
	}
	if code, _ := ts.do(t, http.MethodPost, "/instances", ownerB, `{"instance_name":"shop-1"}`); code != http.StatusConflict {
		t.Fatalf("name taken by another tenant must be 409, got %d", code)
	}
	if code, _ := ts.do(t, http.MethodDelete, "/instances/shop-1", ownerB, ""); code != http.StatusNotFound {
		t.Fatalf("other tenant close must be 404, got %d", code)
	}

	// platform super admin sees every tenant
	super := ts.token(t, tenant.RoleSuperAdmin, "")
	if code, resp := ts.do(t, http.MethodGet, "/instances", super, ""); code != http.StatusOK || dataField(t, resp, "count") != float64(1) {
		t.Fatalf("super admin list: got %d %+v", code, resp.Data)
	}
}

func TestProviderUnavailable(t *testing.T) {
	ts := newTestServer(t, limiter.Config{})
	owner := ts.token(t, tenant.RoleOwner, "tenant-a")

	ts.mock.SetUnreachable(true)
	code, resp := ts.do(t, http.MethodPost, "/instances", owner, `{"instance_name":"shop-1"}`)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when provider is down, got %d", code)
	}
	if success, ok := dataField(t, resp, "success").(bool); !ok || success {
		t.Fatalf("expected success=false in body, got %+v", resp.Data)
	}
	if resp.Status || resp.Message == "" {
		t.Fatalf("unexpected envelope %+v", resp)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ts := newTestServer(t, limiter.Config{})
	owner := ts.token(t, tenant.RoleOwner, "tenant-a")

	ts.do(t, http.MethodPost, "/instances", owner, `{"instance_name":"shop-1"}`)
	for i := 0; i < 2; i++ {
		if code, resp := ts.do(t, http.MethodDelete, "/instances/shop-1", owner, ""); code != http.StatusOK {
			t.Fatalf("close #%d: got %d (%s)", i+1, code, resp.Message)
		}
	}
	_, resp := ts.do(t, http.MethodGet, "/instances/shop-1/status", owner, "")
	if dataField(t, resp, "status") != string(store.StatusClosed) {
		t.Fatalf("expected closed, got %v", dataField(t, resp, "status"))
	}
	if code, _ := ts.do(t, http.MethodDelete, "/instances/missing", owner, ""); code != http.StatusNotFound {
		t.Fatalf("closing unknown instance must be 404, got %d", code)
	}
}

func TestUsageEndpoints(t *testing.T) {
	ts := newTestServer(t, limiter.Config{DailySendCap: 2, DailyReceiveCap: 1})
	owner := ts.token(t, tenant.RoleOwner, "tenant-a")

	ts.do(t, http.MethodPost, "/instances", owner, `{"instance_name":"shop-1"}`)
	if code, _ := ts.do(t, http.MethodPost, "/instances/shop-1/usage/sent", owner, ""); code != http.StatusConflict {
		t.Fatalf("sending before connect must be 409, got %d", code)
	}

	ts.mock.SetConnected("shop-1", "5511999990000")
	ts.do(t, http.MethodPost, "/instances/shop-1/recheck", owner, "")

	for i := 0; i < 2; i++ {
		if code, resp := ts.do(t, http.MethodPost, "/instances/shop-1/usage/sent", owner, ""); code != http.StatusOK {
			t.Fatalf("send #%d: got %d (%s)", i+1, code, resp.Message)
		}
	}
	if code, _ := ts.do(t, http.MethodPost, "/instances/shop-1/usage/sent", owner, ""); code != http.StatusConflict {
		t.Fatalf("send over cap must be 409, got %d", code)
	}

	if code, _ := ts.do(t, http.MethodPost, "/instances/shop-1/usage/received", owner, ""); code != http.StatusOK {
		t.Fatalf("receive: got %d", code)
	}
	if code, _ := ts.do(t, http.MethodPost, "/instances/shop-1/usage/received", owner, ""); code != http.StatusConflict {
		t.Fatalf("receive over cap must be 409, got %d", code)
	}

	code, resp := ts.do(t, http.MethodGet, "/instances/shop-1/usage", owner, "")
	if code != http.StatusOK {
		t.Fatalf("usage: got %d", code)
	}
	if dataField(t, resp, "sent_today") != float64(2) || dataField(t, resp, "can_send") != false {
		t.Fatalf("unexpected usage: %+v", resp.Data)
	}
	if dataField(t, resp, "needs_rotation") != false {
		t.Fatalf("fresh session must not need rotation: %+v", resp.Data)
	}
}
