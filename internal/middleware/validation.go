package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// SchemaValidator validates requests against the gateway's OpenAPI contract.
type SchemaValidator struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// SchemaValidatorConfig configures OpenAPI request validation.
type SchemaValidatorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SpecPath string `yaml:"spec_path"`
}

// NewSchemaValidator loads the OpenAPI document and builds a route matcher.
// specData takes precedence over the config path when non-empty.
func NewSchemaValidator(config *SchemaValidatorConfig, specData []byte, logger *logrus.Logger) (*SchemaValidator, error) {
	v := &SchemaValidator{logger: logger, enabled: config != nil && config.Enabled}
	if !v.enabled {
		logger.Debug("OpenAPI validation disabled")
		return v, nil
	}

	loader := openapi3.NewLoader()

	var doc *openapi3.T
	var err error
	if len(specData) > 0 {
		doc, err = loader.LoadFromData(specData)
	} else {
		doc, err = loader.LoadFromFile(config.SpecPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}

	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenAPI router: %w", err)
	}
	v.router = router

	logger.Info("OpenAPI validation enabled")
	return v, nil
}

// Middleware rejects requests that do not match the OpenAPI contract.
// Undocumented routes pass through untouched.
func (v *SchemaValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !v.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.validateRequest(r); err != nil {
				v.logger.WithError(err).WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
				}).Warn("OpenAPI validation failed")
				v.writeValidationError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *SchemaValidator) validateRequest(r *http.Request) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		// Routes outside the contract (health probes, docs) pass through.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
	}
	if len(body) > 0 {
		input.Request.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return err
	}

	// Rewind for the handler.
	r.Body = io.NopCloser(bytes.NewReader(body))
	return nil
}

func (v *SchemaValidator) writeValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	message := "Request validation failed"
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "request body"):
		message = "Invalid request body"
	case strings.Contains(errStr, "required"):
		message = "Missing required field"
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "validation_error",
			"code":    http.StatusBadRequest,
			"details": errStr,
		},
		"timestamp": time.Now().Unix(),
	})
}
