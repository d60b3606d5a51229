package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the admin and ops
// endpoints. The proxied child is described only as an opaque prefix.
func buildOpenAPIDoc(prefix string) map[string]any {
	bearer := []any{map[string]any{"BearerAuth": []string{}}}
	errorResponses := func(extra map[string]any) map[string]any {
		out := map[string]any{
			"401": map[string]any{"description": "Missing or invalid bearer token"},
			"403": map[string]any{"description": "Insufficient scope"},
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Supervisor health, uptime and config fingerprint",
				"tags":        []string{"ops"},
				"responses": map[string]any{
					"200": map[string]any{"description": "Supervisor loop is running"},
					"503": map[string]any{"description": "Supervisor loop has stopped"},
				},
			},
		},
		"/api/process": map[string]any{
			"get": map[string]any{
				"operationId": "getProcess",
				"summary":     "Current child process snapshot",
				"tags":        []string{"process"},
				"security":    bearer,
				"responses":   errorResponses(map[string]any{"200": map[string]any{"description": "Snapshot"}}),
			},
		},
		"/api/process/restart": map[string]any{
			"post": map[string]any{
				"operationId": "restartProcess",
				"summary":     "Replace the child with a fresh one",
				"tags":        []string{"process"},
				"security":    bearer,
				"responses": errorResponses(map[string]any{
					"202": map[string]any{"description": "Child spawned"},
					"500": map[string]any{"description": "Spawn failed"},
					"503": map[string]any{"description": "Working directory could not be cleared"},
				}),
			},
		},
		"/api/process/stop": map[string]any{
			"post": map[string]any{
				"operationId": "stopProcess",
				"summary":     "Terminate the child (SIGTERM, then SIGKILL)",
				"tags":        []string{"process"},
				"security":    bearer,
				"responses":   errorResponses(map[string]any{"202": map[string]any{"description": "Stop signalled"}}),
			},
		},
		"/api/runs": map[string]any{
			"get": map[string]any{
				"operationId": "listRuns",
				"summary":     "Recent child generations, newest first",
				"tags":        []string{"process"},
				"security":    bearer,
				"parameters": []any{map[string]any{
					"name":   "limit",
					"in":     "query",
					"schema": map[string]any{"type": "integer", "minimum": 1, "maximum": maxRunsLimit},
				}},
				"responses": errorResponses(map[string]any{
					"200": map[string]any{"description": "Runs"},
					"400": map[string]any{"description": "Bad limit"},
				}),
			},
		},
		"/api/runs/{generation}": map[string]any{
			"get": map[string]any{
				"operationId": "getRun",
				"summary":     "One recorded child generation",
				"tags":        []string{"process"},
				"security":    bearer,
				"parameters": []any{map[string]any{
					"name":     "generation",
					"in":       "path",
					"required": true,
					"schema":   map[string]any{"type": "string"},
				}},
				"responses": errorResponses(map[string]any{
					"200": map[string]any{"description": "Run"},
					"404": map[string]any{"description": "Unknown generation"},
				}),
			},
		},
		"/events": map[string]any{
			"get": map[string]any{
				"operationId": "streamEvents",
				"summary":     "Lifecycle events as server-sent events",
				"tags":        []string{"events"},
				"security":    bearer,
				"responses": errorResponses(map[string]any{
					"200": map[string]any{
						"description": "Event stream",
						"content":     map[string]any{"text/event-stream": map[string]any{}},
					},
				}),
			},
		},
	}

	if prefix != "" {
		paths[prefix+"/{path}"] = map[string]any{
			"description": "Forwarded to the supervised child with the prefix removed",
			"parameters": []any{map[string]any{
				"name":     "path",
				"in":       "path",
				"required": true,
				"schema":   map[string]any{"type": "string"},
			}},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "pmgate",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
