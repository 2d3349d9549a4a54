package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func newRoutes(t *testing.T) *Routes {
	t.Helper()
	m := NewManager(ManagerConfig{
		TailOffset: func(string) (string, bool) { return "", false },
	})
	t.Cleanup(m.Stop)
	return NewRoutes(m)
}

func handleRoute(t *testing.T, rt *Routes, method, target, body string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handled := rt.Handle(rec, req, req.URL.Path)
	return rec, handled
}

func TestRouteRegisterSubscription(t *testing.T) {
	rt := newRoutes(t)

	rec, handled := handleRoute(t, rt, http.MethodPut, "/chat/**?subscription=sub1",
		`{"webhook":"https://example.com/hook","description":"chat fanout"}`)
	if !handled {
		t.Fatal("not handled")
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var created subscriptionView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "sub1" || created.Pattern != "/chat/**" {
		t.Errorf("view = %+v", created)
	}
	if !strings.HasPrefix(created.Secret, "whsec_") {
		t.Errorf("secret = %q", created.Secret)
	}

	// A repeat register answers 200 and never re-reveals the secret.
	rec, _ = handleRoute(t, rt, http.MethodPut, "/chat/**?subscription=sub1",
		`{"webhook":"https://example.com/hook"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat status = %d", rec.Code)
	}
	var repeat subscriptionView
	json.Unmarshal(rec.Body.Bytes(), &repeat)
	if repeat.Secret != "" {
		t.Error("secret revealed on repeat register")
	}
}

func TestRouteRegisterValidation(t *testing.T) {
	rt := newRoutes(t)

	rec, _ := handleRoute(t, rt, http.MethodPut, "/chat/**?subscription=sub1", `{"description":"no webhook"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing webhook: status = %d", rec.Code)
	}
	rec, _ = handleRoute(t, rt, http.MethodPut, "/chat/**?subscription=sub1", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON: status = %d", rec.Code)
	}
}

func TestRouteRegisterConflict(t *testing.T) {
	rt := newRoutes(t)
	handleRoute(t, rt, http.MethodPut, "/chat/**?subscription=sub1", `{"webhook":"https://example.com/a"}`)

	rec, _ := handleRoute(t, rt, http.MethodPut, "/other/**?subscription=sub1", `{"webhook":"https://example.com/a"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRouteGetAndDelete(t *testing.T) {
	rt := newRoutes(t)
	handleRoute(t, rt, http.MethodPut, "/chat/**?subscription=sub1", `{"webhook":"https://example.com/a"}`)

	rec, _ := handleRoute(t, rt, http.MethodGet, "/chat/**?subscription=sub1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var view subscriptionView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.Secret != "" {
		t.Error("get revealed the secret")
	}

	rec, _ = handleRoute(t, rt, http.MethodDelete, "/chat/**?subscription=sub1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec, _ = handleRoute(t, rt, http.MethodGet, "/chat/**?subscription=sub1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d", rec.Code)
	}
}

func TestRouteListSubscriptions(t *testing.T) {
	rt := newRoutes(t)
	handleRoute(t, rt, http.MethodPut, "/chat/**?subscription=a", `{"webhook":"https://example.com/a"}`)
	handleRoute(t, rt, http.MethodPut, "/logs/*?subscription=b", `{"webhook":"https://example.com/b"}`)

	rec, handled := handleRoute(t, rt, http.MethodGet, "/**?subscriptions", "")
	if !handled || rec.Code != http.StatusOK {
		t.Fatalf("handled=%v status=%d", handled, rec.Code)
	}
	var out struct {
		Subscriptions []subscriptionView `json:"subscriptions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Subscriptions) != 2 {
		t.Errorf("got %d subscriptions", len(out.Subscriptions))
	}
}

func TestRouteFallsThroughForStreamPaths(t *testing.T) {
	rt := newRoutes(t)
	_, handled := handleRoute(t, rt, http.MethodGet, "/chat/room1", "")
	if handled {
		t.Error("plain stream path claimed by webhook routes")
	}
}

func TestRouteCallbackAuth(t *testing.T) {
	rt := newRoutes(t)
	rt.Manager.Registry.Register("sub1", "/chat/**", "https://example.com/hook", "")
	c := rt.Manager.Registry.Ensure("sub1", "/chat/room1")
	epoch, wakeID := c.beginWake()

	// No bearer token.
	rec, handled := handleRoute(t, rt, http.MethodPost, "/callback/"+c.ID, `{"epoch":1}`)
	if !handled || rec.Code != http.StatusUnauthorized {
		t.Errorf("missing auth: handled=%v status=%d", handled, rec.Code)
	}

	// Missing epoch field.
	req := httptest.NewRequest(http.MethodPost, "/callback/"+c.ID, strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+NewToken(c.ID, epoch))
	rec = httptest.NewRecorder()
	rt.Handle(rec, req, req.URL.Path)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing epoch: status = %d", rec.Code)
	}

	// Valid claim.
	body := `{"epoch":` + strconv.Itoa(epoch) + `,"wake_id":"` + wakeID + `"}`
	req = httptest.NewRequest(http.MethodPost, "/callback/"+c.ID, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+NewToken(c.ID, epoch))
	rec = httptest.NewRecorder()
	rt.Handle(rec, req, req.URL.Path)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: status = %d: %s", rec.Code, rec.Body.String())
	}
	var success CallbackSuccess
	if err := json.Unmarshal(rec.Body.Bytes(), &success); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !success.OK || success.Token == "" {
		t.Errorf("success = %+v", success)
	}
}
