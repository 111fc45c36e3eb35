package security

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// ValidationConfig holds request validation configuration.
type ValidationConfig struct {
	MaxRequestSize  int64    `yaml:"max_request_size"`
	AllowedMethods  []string `yaml:"allowed_methods"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
	ContentTypes    []string `yaml:"allowed_content_types"`
	MaxJSONDepth    int      `yaml:"max_json_depth"`
	IPBlacklist     []string `yaml:"ip_blacklist"`
}

// RequestValidator screens inbound requests before they reach the router.
type RequestValidator struct {
	config         *ValidationConfig
	logger         *logrus.Logger
	blockedRegexes []*regexp.Regexp
}

// ValidationResult contains the outcome of request validation.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewRequestValidator compiles the configured patterns.
func NewRequestValidator(config *ValidationConfig, logger *logrus.Logger) (*RequestValidator, error) {
	if config.MaxRequestSize == 0 {
		config.MaxRequestSize = 10 * 1024 * 1024 // 10MB
	}
	if config.MaxJSONDepth == 0 {
		config.MaxJSONDepth = 20
	}

	v := &RequestValidator{config: config, logger: logger}
	for _, pattern := range config.BlockedPatterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", pattern, err)
		}
		v.blockedRegexes = append(v.blockedRegexes, regex)
	}
	return v, nil
}

// ValidateRequest checks method, size, content type, and caller IP.
func (v *RequestValidator) ValidateRequest(r *http.Request) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if !v.isAllowedMethod(r.Method) {
		result.fail(fmt.Sprintf("method %s not allowed", r.Method))
	}

	if r.ContentLength > v.config.MaxRequestSize {
		result.fail(fmt.Sprintf("request size %d exceeds maximum %d", r.ContentLength, v.config.MaxRequestSize))
	}

	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		if ct := r.Header.Get("Content-Type"); !v.isAllowedContentType(ct) {
			result.fail(fmt.Sprintf("content type %s not allowed", ct))
		}
	}

	clientIP := ClientIP(r)
	for _, blocked := range v.config.IPBlacklist {
		if clientIP == blocked {
			result.fail(fmt.Sprintf("IP %s is blocked", clientIP))
			break
		}
	}

	if v.containsBlockedPattern(r.URL.String()) {
		result.fail("request URL contains blocked patterns")
	}

	if !result.Valid {
		v.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"url":       r.URL.String(),
			"client_ip": clientIP,
			"errors":    result.Errors,
		}).Warn("Request validation failed")
	}

	return result
}

// ValidateJSON screens a request body: UTF-8, structure, depth, and blocked
// patterns inside prompt content.
func (v *RequestValidator) ValidateJSON(body []byte) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if !utf8.Valid(body) {
		result.fail("request body contains invalid UTF-8")
		return result
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		result.fail(fmt.Sprintf("invalid JSON: %s", err.Error()))
		return result
	}

	if depth := jsonDepth(data); depth > v.config.MaxJSONDepth {
		result.fail(fmt.Sprintf("JSON depth %d exceeds maximum %d", depth, v.config.MaxJSONDepth))
	}

	if v.containsBlockedPattern(string(body)) {
		result.fail("request body contains blocked patterns")
	}

	return result
}

// SanitizeInput strips null bytes and control characters from user text.
func (v *RequestValidator) SanitizeInput(input string) string {
	var out strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			out.WriteRune(r)
		}
	}
	return out.String()
}

// Middleware rejects invalid requests with a structured 400.
func (v *RequestValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := v.ValidateRequest(r)
			if !result.Valid {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]interface{}{
						"message": "Request validation failed",
						"type":    "validation_error",
						"code":    http.StatusBadRequest,
						"details": result.Errors,
					},
					"timestamp": time.Now().Unix(),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (r *ValidationResult) fail(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

func (v *RequestValidator) isAllowedMethod(method string) bool {
	if len(v.config.AllowedMethods) == 0 {
		return true
	}
	for _, allowed := range v.config.AllowedMethods {
		if strings.EqualFold(method, allowed) {
			return true
		}
	}
	return false
}

func (v *RequestValidator) isAllowedContentType(contentType string) bool {
	if len(v.config.ContentTypes) == 0 {
		return true
	}
	mainType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	for _, allowed := range v.config.ContentTypes {
		if strings.EqualFold(mainType, allowed) {
			return true
		}
	}
	return false
}

func (v *RequestValidator) containsBlockedPattern(text string) bool {
	for _, regex := range v.blockedRegexes {
		if regex.MatchString(text) {
			return true
		}
	}
	return false
}

func jsonDepth(data interface{}) int {
	switch d := data.(type) {
	case map[string]interface{}:
		max := 0
		for _, value := range d {
			if depth := jsonDepth(value); depth > max {
				max = depth
			}
		}
		return max + 1
	case []interface{}:
		max := 0
		for _, value := range d {
			if depth := jsonDepth(value); depth > max {
				max = depth
			}
		}
		return max + 1
	default:
		return 1
	}
}
