package srvreg

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/ahmadzakiakmal/custody/coordinator"
	"github.com/ahmadzakiakmal/custody/registry"
	"github.com/ahmadzakiakmal/custody/repository"
	"github.com/ahmadzakiakmal/custody/repository/models"
	"github.com/ahmadzakiakmal/custody/session"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Request is the decoded client request handed to a service handler
type Request struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     map[string]string `json:"query,omitempty"`
	Body      string            `json:"body"`
	RequestID string            `json:"request_id"`
	Timestamp time.Time         `json:"timestamp"`

	ctx context.Context
}

// Context returns the request's context, never nil.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Response is what a service handler computed
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// SubmissionLister reads the submission journal.
type SubmissionLister interface {
	ListSubmissions(ctx context.Context, assetID uint64, limit int) ([]models.Submission, *repository.RepositoryError)
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool // Whether a route is exact or pattern-based
	mu          sync.RWMutex
	logger      cmtlog.Logger

	sessions    *session.Manager
	cache       *registry.Cache
	coordinator *coordinator.Coordinator
	journal     SubmissionLister
}

// ConvertHttpRequest reads r into a Request
func ConvertHttpRequest(r *http.Request, requestID string) (*Request, error) {
	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return nil, err
		}
		if len(bodyBytes) > maxBodyBytes {
			return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
		}
		body = strings.TrimSpace(string(bodyBytes))
	}

	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	return &Request{
		Method:    r.Method,
		Path:      strings.TrimSuffix(r.URL.Path, "/"),
		Query:     query,
		Body:      body,
		RequestID: requestID,
		Timestamp: time.Now(),
		ctx:       r.Context(),
	}, nil
}

// NewServiceRegistry creates a new service registry. journal may be nil
// when journaling is disabled.
func NewServiceRegistry(
	sessions *session.Manager,
	cache *registry.Cache,
	coord *coordinator.Coordinator,
	journal SubmissionLister,
	logger cmtlog.Logger,
) *ServiceRegistry {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		logger:      logger,
		sessions:    sessions,
		cache:       cache,
		coordinator: coord,
		journal:     journal,
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the appropriate handler for a given path and a boolean of whether or not the handler was found
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok && sr.exactRoutes[key] {
		return handler, true
	}

	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) || sr.exactRoutes[routeKey] {
			continue
		}
		if matchPath(routeKey.Path, path) {
			return handler, true
		}
	}
	return nil, false
}

// matchPath does simple pattern matching for routes.
// It supports patterns like "/products/:id" matching "/products/123"
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}
	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			if pathParts[i] == "" {
				return false
			}
			continue
		}
		if patternParts[i] != pathParts[i] {
			return false
		}
	}
	return true
}

// RegisterDefaultServices sets up the custody API
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Session
	sr.RegisterHandler("GET", "/session", true, sr.GetSessionHandler)
	sr.RegisterHandler("POST", "/session/connect", true, sr.ConnectHandler)
	sr.RegisterHandler("POST", "/session/disconnect", true, sr.DisconnectHandler)
	sr.RegisterHandler("POST", "/session/account", true, sr.UseAccountHandler)

	// Products
	sr.RegisterHandler("GET", "/products", true, sr.ListProductsHandler)
	sr.RegisterHandler("POST", "/products", true, sr.CreateProductHandler)
	sr.RegisterHandler("GET", "/products/:id", false, sr.GetProductHandler)
	sr.RegisterHandler("POST", "/products/:id/:action", false, sr.SubmitActionHandler)

	// Submissions
	sr.RegisterHandler("GET", "/submissions", true, sr.ListSubmissionsHandler)
	sr.RegisterHandler("GET", "/submissions/pending", true, sr.PendingSubmissionsHandler)
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		return jsonResponse(http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
		}), nil
	}
	return handler(req)
}
