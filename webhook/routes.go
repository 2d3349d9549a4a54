package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Routes is the HTTP surface of the manager: subscription CRUD keyed by
// the ?subscription query parameter, and the consumer callback endpoint
// under /callback/{consumer_id}.
type Routes struct {
	Manager *Manager
}

// NewRoutes wraps a manager.
func NewRoutes(m *Manager) *Routes {
	return &Routes{Manager: m}
}

// Handle dispatches a request rooted at the webhook prefix. prefix has
// already been stripped from the path. Returns false when the request
// is not a webhook route and should fall through to stream handling.
func (rt *Routes) Handle(w http.ResponseWriter, r *http.Request, path string) bool {
	if rest, ok := strings.CutPrefix(path, "/callback/"); ok {
		rt.callback(w, r, rest)
		return true
	}

	query := r.URL.Query()
	if id := query.Get("subscription"); id != "" {
		switch r.Method {
		case http.MethodPut:
			rt.register(w, r, path, id)
		case http.MethodGet:
			rt.get(w, id)
		case http.MethodDelete:
			rt.unregister(w, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return true
	}
	if query.Has("subscriptions") && r.Method == http.MethodGet {
		rt.list(w, path)
		return true
	}
	return false
}

// subscriptionView is the wire shape of one subscription; the secret is
// only revealed once, on creation.
type subscriptionView struct {
	ID          string `json:"subscription_id"`
	Pattern     string `json:"pattern"`
	Webhook     string `json:"webhook"`
	Secret      string `json:"webhook_secret,omitempty"`
	Description string `json:"description,omitempty"`
}

func viewOf(sub *Subscription, revealSecret bool) subscriptionView {
	v := subscriptionView{
		ID:          sub.ID,
		Pattern:     sub.Pattern,
		Webhook:     sub.Webhook,
		Description: sub.Description,
	}
	if revealSecret {
		v.Secret = sub.Secret
	}
	return v
}

func (rt *Routes) register(w http.ResponseWriter, r *http.Request, pattern, id string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var parsed struct {
		Webhook     string `json:"webhook"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if parsed.Webhook == "" {
		http.Error(w, "missing required field: webhook", http.StatusBadRequest)
		return
	}

	sub, created, err := rt.Manager.Registry.Register(id, pattern, parsed.Webhook, parsed.Description)
	if err != nil {
		if errors.Is(err, ErrPatternConflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(viewOf(sub, created))
}

func (rt *Routes) get(w http.ResponseWriter, id string) {
	sub := rt.Manager.Registry.Subscription(id)
	if sub == nil {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(viewOf(sub, false))
}

func (rt *Routes) unregister(w http.ResponseWriter, id string) {
	rt.Manager.Registry.Unregister(id)
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Routes) list(w http.ResponseWriter, pattern string) {
	subs := rt.Manager.Registry.List(pattern)
	items := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		items = append(items, viewOf(sub, false))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"subscriptions": items})
}

func (rt *Routes) callback(w http.ResponseWriter, r *http.Request, consumerID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		writeCallbackError(w, CallbackError{Error: CallbackErrBody{
			Code:    CodeTokenInvalid,
			Message: "missing or malformed Authorization header",
		}})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeCallbackError(w, CallbackError{Error: CallbackErrBody{
			Code:    CodeInvalidRequest,
			Message: "failed to read request body",
		}})
		return
	}

	// epoch is required and zero is a legal value, so presence has to be
	// checked before decoding into the struct.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		writeCallbackError(w, CallbackError{Error: CallbackErrBody{
			Code:    CodeInvalidRequest,
			Message: "invalid JSON body",
		}})
		return
	}
	if _, hasEpoch := raw["epoch"]; !hasEpoch {
		writeCallbackError(w, CallbackError{Error: CallbackErrBody{
			Code:    CodeInvalidRequest,
			Message: "missing required field: epoch",
		}})
		return
	}

	var req CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeCallbackError(w, CallbackError{Error: CallbackErrBody{
			Code:    CodeInvalidRequest,
			Message: "invalid JSON body",
		}})
		return
	}

	switch resp := rt.Manager.HandleCallback(consumerID, token, req).(type) {
	case CallbackSuccess:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	case CallbackError:
		writeCallbackError(w, resp)
	}
}

func writeCallbackError(w http.ResponseWriter, resp CallbackError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(resp.Error.Code))
	json.NewEncoder(w).Encode(resp)
}
