// Package testutil holds helpers shared by handler, store and end-to-end tests.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

// OpenAPISpecPath locates api/openapi/openapi.yaml from internal/<pkg>.
const OpenAPISpecPath = "../../api/openapi/openapi.yaml"

// Probes are served outside the documented API.
var undocumented = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// OpenAPIValidator asserts that responses match the API document.
type OpenAPIValidator struct {
	router routers.Router
}

// NewOpenAPIValidator loads the document at specPath or fails t.
func NewOpenAPIValidator(t *testing.T, specPath string) *OpenAPIValidator {
	t.Helper()

	doc, err := openapi3.NewLoader().LoadFromFile(specPath)
	if err != nil {
		t.Fatalf("load %s: %v", specPath, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		t.Fatalf("invalid OpenAPI document %s: %v", specPath, err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		t.Fatalf("build OpenAPI router: %v", err)
	}
	return &OpenAPIValidator{router: router}
}

// ValidateRecorder checks a response captured by httptest.
func (v *OpenAPIValidator) ValidateRecorder(t *testing.T, req *http.Request, rec *httptest.ResponseRecorder) {
	t.Helper()
	if err := v.check(req, rec.Code, rec.Header(), rec.Body.Bytes()); err != nil {
		t.Error(err)
	}
}

// ValidateResponse checks a live response and leaves its body readable.
func (v *OpenAPIValidator) ValidateResponse(t *testing.T, req *http.Request, resp *http.Response) {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		t.Errorf("read response body: %v", err)
		return
	}

	if err := v.check(req, resp.StatusCode, resp.Header, body); err != nil {
		t.Error(err)
	}
}

func (v *OpenAPIValidator) check(req *http.Request, status int, header http.Header, body []byte) error {
	if undocumented[req.URL.Path] {
		return nil
	}

	// Match on method and path only; the document's servers block carries the host.
	lookup, err := http.NewRequest(req.Method, req.URL.Path, nil)
	if err != nil {
		return fmt.Errorf("OpenAPI lookup request: %w", err)
	}
	route, params, err := v.router.FindRoute(lookup)
	if err != nil {
		return fmt.Errorf("OpenAPI: %s %s is not documented: %w", req.Method, req.URL.Path, err)
	}

	err = openapi3filter.ValidateResponse(context.Background(), &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: params,
			Route:      route,
		},
		Status: status,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(body)),
		Options: &openapi3filter.Options{
			MultiError:            true,
			IncludeResponseStatus: true,
		},
	})
	if err != nil {
		return fmt.Errorf("OpenAPI: %s %s answered %d outside the document:\n%s\nbody: %s",
			req.Method, req.URL.Path, status, clip(err.Error(), 500), clip(strings.TrimSpace(string(body)), 200))
	}
	return nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
