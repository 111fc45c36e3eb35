package server

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	yamlv2 "gopkg.in/yaml.v2"
)

//go:embed openapi.yaml
var openapiSpec []byte

// OpenAPISpec returns the embedded OpenAPI document.
func OpenAPISpec() []byte {
	return openapiSpec
}

// setupDocsRoutes wires the API documentation endpoints.
func (s *Server) setupDocsRoutes(r *mux.Router) {
	r.HandleFunc("/openapi.yaml", s.handleOpenAPIYAML).Methods("GET")
	r.HandleFunc("/openapi.json", s.handleOpenAPIJSON).Methods("GET")
	r.HandleFunc("/docs", s.handleDocsUI).Methods("GET")
}

func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/yaml")
	w.Write(openapiSpec)
}

// handleOpenAPIJSON converts the YAML document to JSON on the fly.
func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	var spec interface{}
	if err := yamlv2.Unmarshal(openapiSpec, &spec); err != nil {
		s.writeError(w, http.StatusInternalServerError, "Error parsing OpenAPI spec")
		return
	}

	data, err := json.MarshalIndent(normalizeYAML(spec), "", "  ")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Error converting OpenAPI spec to JSON")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleDocsUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, docsHTML)
}

// normalizeYAML converts yaml.v2's map[interface{}]interface{} trees into
// string-keyed maps so encoding/json can marshal them.
func normalizeYAML(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			out[fmt.Sprintf("%v", key)] = normalizeYAML(value)
		}
		return out
	case []interface{}:
		for i, value := range v {
			v[i] = normalizeYAML(value)
		}
		return v
	default:
		return v
	}
}

const docsHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>aimux - API Documentation</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: '/openapi.json',
                dom_id: '#swagger-ui',
                deepLinking: true,
                docExpansion: "list"
            });
        };
    </script>
</body>
</html>`
