package server

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

const docsPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>AFT API</title>
<script src="https://unpkg.com/@stoplight/elements/web-components.min.js"></script>
<link rel="stylesheet" href="https://unpkg.com/@stoplight/elements/styles.min.css">
</head>
<body style="height: 100vh;">
<elements-api apiDescriptionUrl="{{openapi}}" router="hash" layout="sidebar" tryItCredentialsPolicy="same-origin"></elements-api>
</body>
</html>`

func registerDocs(r chi.Router, basePath string) {
	page := strings.ReplaceAll(docsPage, "{{openapi}}", path.Join("/", basePath, "openapi.json"))
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
	})
}

// registerOpenAPI serves the document lazily so every operation is registered first.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var doc []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

var securitySchemes = map[string]*huma.SecurityScheme{
	"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	"apiKeyAuth": {Type: "apiKey", In: "header", Name: "X-Api-Key"},
}

// decorateOpenAPI adds the error envelope as every operation's default response
// and marks all but the open paths as requiring a bearer token or API key.
func decorateOpenAPI(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	for name, scheme := range securitySchemes {
		oas.Components.SecuritySchemes[name] = scheme
	}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	errorResponse := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	open := openPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errorResponse
			op.Security = security
			if open[route] {
				op.Security = []map[string][]string{}
			}
		}
	}
}
