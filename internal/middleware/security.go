package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/aimux-ai/aimux/internal/security"
)

// SecurityConfig holds configuration for the security middleware stack.
type SecurityConfig struct {
	Auth       *security.AuthConfig       `yaml:"auth"`
	RateLimit  *security.RateLimitConfig  `yaml:"rate_limit"`
	Validation *security.ValidationConfig `yaml:"validation"`
	Schema     *SchemaValidatorConfig     `yaml:"schema"`
}

// SecurityStack chains authentication, rate limiting, and request screening.
type SecurityStack struct {
	authenticator *security.Authenticator
	rateLimiter   *security.TokenBucketLimiter
	validator     *security.RequestValidator
	schema        *SchemaValidator
	logger        *logrus.Logger
}

// NewSecurityStack builds the middleware stack from config. openapiSpec, when
// non-empty, is the OpenAPI document used for schema validation.
func NewSecurityStack(config *SecurityConfig, openapiSpec []byte, logger *logrus.Logger) (*SecurityStack, error) {
	s := &SecurityStack{logger: logger}

	if config.Auth != nil {
		s.authenticator = security.NewAuthenticator(config.Auth, logger)
	}
	if config.RateLimit != nil && config.RateLimit.Enabled {
		s.rateLimiter = security.NewTokenBucketLimiter(config.RateLimit, logger)
	}
	if config.Validation != nil {
		validator, err := security.NewRequestValidator(config.Validation, logger)
		if err != nil {
			return nil, err
		}
		s.validator = validator
	}
	if config.Schema != nil && config.Schema.Enabled {
		schema, err := NewSchemaValidator(config.Schema, openapiSpec, logger)
		if err != nil {
			return nil, err
		}
		s.schema = schema
	}

	return s, nil
}

// Handler returns the full middleware chain, outermost first: auth, rate
// limiting, request screening, then OpenAPI schema validation.
func (s *SecurityStack) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next

		if s.schema != nil {
			handler = s.schema.Middleware()(handler)
		}
		if s.validator != nil {
			handler = s.validator.Middleware()(handler)
		}
		if s.rateLimiter != nil {
			handler = security.RateLimitMiddleware(s.rateLimiter, security.DefaultKeyExtractor)(handler)
		}
		if s.authenticator != nil {
			handler = s.authenticator.Middleware()(handler)
		}

		handler = securityHeaders(handler)
		return handler
	}
}

// Authenticator exposes the auth provider for token minting.
func (s *SecurityStack) Authenticator() *security.Authenticator {
	return s.authenticator
}

// Stop shuts down background components.
func (s *SecurityStack) Stop() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
