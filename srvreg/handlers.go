package srvreg

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ahmadzakiakmal/custody/coordinator"
	"github.com/ahmadzakiakmal/custody/gateway"
	"github.com/ahmadzakiakmal/custody/lifecycle"
	"github.com/ahmadzakiakmal/custody/repository"
	"github.com/ahmadzakiakmal/custody/session"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

func jsonResponse(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Internal server error"}`,
		}
	}
	return &Response{StatusCode: status, Headers: defaultHeaders, Body: string(body)}
}

func errorResponse(status int, message string) *Response {
	return jsonResponse(status, map[string]string{"error": message})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrGatewayUninitialized):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrConnectionRejected),
		errors.Is(err, session.ErrUnknownAccount),
		errors.Is(err, lifecycle.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNetworkMismatch),
		errors.Is(err, session.ErrAccountChanged),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrWalletUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrTransactionRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrTransportFailure):
		return http.StatusBadGateway
	case errors.Is(err, coordinator.ErrMissingRecipient),
		errors.Is(err, coordinator.ErrEmptyLabel),
		errors.Is(err, coordinator.ErrUnknownAction):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (sr *ServiceRegistry) failure(req *Request, err error) *Response {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		sr.logger.Error("Request failed", "method", req.Method, "path", req.Path, "err", err)
	} else {
		sr.logger.Info("Request refused", "method", req.Method, "path", req.Path, "err", err)
	}
	return errorResponse(status, err.Error())
}

// recordResponse reports a resolved submission. Failed records carry the
// status code of their failure.
func recordResponse(rec *coordinator.Record, created bool) *Response {
	if rec.Status == coordinator.StatusConfirmed {
		if created {
			return jsonResponse(http.StatusCreated, rec)
		}
		return jsonResponse(http.StatusOK, rec)
	}
	status := http.StatusBadGateway
	if err := rec.Err(); err != nil {
		status = errorStatus(err)
	}
	return jsonResponse(status, rec)
}

func pathSegment(path string, i int) string {
	parts := strings.Split(path, "/")
	if i >= len(parts) {
		return ""
	}
	return parts[i]
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid product id %q", s)
	}
	return id, nil
}

func decodeBody(req *Request, v any) error {
	if req.Body == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(req.Body), v); err != nil {
		return fmt.Errorf("invalid body format: %w", err)
	}
	return nil
}

type sessionView struct {
	session.Session
	Accounts []string `json:"accounts"`
}

func (sr *ServiceRegistry) GetSessionHandler(req *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, sessionView{
		Session:  sr.sessions.Current(),
		Accounts: sr.sessions.Accounts(),
	}), nil
}

func (sr *ServiceRegistry) ConnectHandler(req *Request) (*Response, error) {
	sess, err := sr.sessions.Connect(req.Context())
	if err != nil {
		return sr.failure(req, err), nil
	}
	return jsonResponse(http.StatusOK, sessionView{Session: sess, Accounts: sr.sessions.Accounts()}), nil
}

func (sr *ServiceRegistry) DisconnectHandler(req *Request) (*Response, error) {
	sr.sessions.Disconnect()
	return jsonResponse(http.StatusOK, map[string]string{"message": "Session closed"}), nil
}

type useAccountBody struct {
	Account string `json:"account"`
}

func (sr *ServiceRegistry) UseAccountHandler(req *Request) (*Response, error) {
	var body useAccountBody
	if err := decodeBody(req, &body); err != nil {
		return errorResponse(http.StatusUnprocessableEntity, err.Error()), nil
	}
	if body.Account == "" {
		return errorResponse(http.StatusBadRequest, "account is required"), nil
	}
	sess, err := sr.sessions.UseAccount(body.Account)
	if err != nil {
		return sr.failure(req, err), nil
	}
	return jsonResponse(http.StatusOK, sessionView{Session: sess, Accounts: sr.sessions.Accounts()}), nil
}

// ListProductsHandler refreshes the registry from the ledger, or serves the
// last snapshot when cached=true.
func (sr *ServiceRegistry) ListProductsHandler(req *Request) (*Response, error) {
	if req.Query["cached"] == "true" {
		return jsonResponse(http.StatusOK, sr.cache.Snapshot()), nil
	}
	assets, err := sr.cache.Refresh(req.Context())
	if err != nil {
		return sr.failure(req, err), nil
	}
	if assets == nil {
		assets = []lifecycle.Asset{}
	}
	return jsonResponse(http.StatusOK, assets), nil
}

type createProductBody struct {
	Name string `json:"name"`
}

func (sr *ServiceRegistry) CreateProductHandler(req *Request) (*Response, error) {
	var body createProductBody
	if err := decodeBody(req, &body); err != nil {
		return errorResponse(http.StatusUnprocessableEntity, err.Error()), nil
	}
	rec, err := sr.coordinator.Create(req.Context(), body.Name)
	if err != nil {
		return sr.failure(req, err), nil
	}
	return recordResponse(rec, true), nil
}

// GetProductHandler serves /products/:id. fresh=true bypasses the cache.
func (sr *ServiceRegistry) GetProductHandler(req *Request) (*Response, error) {
	id, err := parseID(pathSegment(req.Path, 2))
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}

	var asset lifecycle.Asset
	if req.Query["fresh"] == "true" {
		asset, err = sr.cache.Reload(req.Context(), id)
	} else {
		asset, err = sr.cache.Get(req.Context(), id)
	}
	if err != nil {
		if errors.Is(err, gateway.ErrTransactionRejected) {
			return errorResponse(http.StatusNotFound, err.Error()), nil
		}
		return sr.failure(req, err), nil
	}
	return jsonResponse(http.StatusOK, struct {
		lifecycle.Asset
		Allowed []lifecycle.Action `json:"allowed_actions"`
	}{asset, lifecycle.Allowed(asset.State)}), nil
}

type submitActionBody struct {
	Recipient string `json:"recipient"`
}

// SubmitActionHandler serves /products/:id/:action where action is one of
// mark-for-sale, ship, receive or sell.
func (sr *ServiceRegistry) SubmitActionHandler(req *Request) (*Response, error) {
	id, err := parseID(pathSegment(req.Path, 2))
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	action, err := lifecycle.ParseAction(pathSegment(req.Path, 3))
	if err != nil {
		return errorResponse(http.StatusNotFound, err.Error()), nil
	}

	var body submitActionBody
	if err := decodeBody(req, &body); err != nil {
		return errorResponse(http.StatusUnprocessableEntity, err.Error()), nil
	}

	rec, err := sr.coordinator.Submit(req.Context(), id, action, coordinator.Params{Recipient: body.Recipient})
	if err != nil {
		return sr.failure(req, err), nil
	}
	return recordResponse(rec, false), nil
}

func (sr *ServiceRegistry) ListSubmissionsHandler(req *Request) (*Response, error) {
	if sr.journal == nil {
		return errorResponse(http.StatusNotFound, "submission journal is disabled"), nil
	}

	var assetID uint64
	if s := req.Query["asset"]; s != "" {
		id, err := parseID(s)
		if err != nil {
			return errorResponse(http.StatusBadRequest, err.Error()), nil
		}
		assetID = id
	}
	limit := 0
	if s := req.Query["limit"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return errorResponse(http.StatusBadRequest, fmt.Sprintf("invalid limit %q", s)), nil
		}
		limit = n
	}

	rows, dbErr := sr.journal.ListSubmissions(req.Context(), assetID, limit)
	if dbErr != nil {
		switch dbErr.Code {
		case repository.CodeNotConnected:
			return errorResponse(http.StatusServiceUnavailable, dbErr.Message), nil
		default:
			sr.logger.Error("Listing submissions failed", "code", dbErr.Code, "detail", dbErr.Detail)
			return errorResponse(http.StatusInternalServerError, "Internal server error"), nil
		}
	}
	return jsonResponse(http.StatusOK, rows), nil
}

func (sr *ServiceRegistry) PendingSubmissionsHandler(req *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, sr.coordinator.Pending()), nil
}
