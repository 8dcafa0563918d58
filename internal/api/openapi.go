package api

import (
	"net/http"
)

type object = map[string]interface{}

func jsonContent(schema object) object {
	return object{
		"application/json": object{"schema": schema},
	}
}

func ref(name string) object {
	return object{"$ref": "#/components/schemas/" + name}
}

func pathParam(name, description string) object {
	return object{
		"name":        name,
		"in":          "path",
		"required":    true,
		"description": description,
		"schema":      object{"type": "string"},
	}
}

func queryParam(name, typ, description string) object {
	return object{
		"name":        name,
		"in":          "query",
		"description": description,
		"schema":      object{"type": typ},
	}
}

// errorResponses are the failure statuses shared by every /api/v1 route
func errorResponses(codes ...string) object {
	descriptions := map[string]string{
		"400": "Malformed request",
		"404": "Not found",
		"503": "A dependency (embedding, generation or index) is unavailable",
	}
	out := object{}
	for _, c := range codes {
		out[c] = object{
			"description": descriptions[c],
			"content":     jsonContent(ref("Error")),
		}
	}
	return out
}

func operation(id, summary string, params []object, body object, ok object, errs ...string) object {
	responses := errorResponses(errs...)
	responses["200"] = object{"description": "Success", "content": jsonContent(ok)}
	op := object{
		"summary":     summary,
		"operationId": id,
		"responses":   responses,
	}
	if len(params) > 0 {
		op["parameters"] = params
	}
	if body != nil {
		op["requestBody"] = object{"required": true, "content": jsonContent(body)}
	}
	return op
}

// handleOpenAPISpec returns the OpenAPI 3.0 specification
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	itemID := pathParam("id", "Content item ID")

	spec := object{
		"openapi": "3.0.0",
		"info": object{
			"title":       "NeuralFeed API",
			"description": "Ingest content batches, read clustered digests and ask questions over indexed items",
			"version":     "1.0.0",
			"contact": object{
				"name": "Oscillate Labs",
				"url":  "https://github.com/oscillatelabsllc/neuralfeed",
			},
			"license": object{
				"name": "MIT",
				"url":  "https://opensource.org/licenses/MIT",
			},
		},
		"servers": []object{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": object{
			"/health": object{
				"get": operation("getHealth", "Health check", nil, nil, ref("Status")),
			},
			"/ready": object{
				"get": operation("getReady", "Readiness check against the store", nil, nil, ref("Status"), "503"),
			},
			"/api/v1/runs": object{
				"post": operation("createRun", "Run one ingestion batch",
					nil, ref("RunRequest"), ref("RunResponse"), "400", "503"),
			},
			"/api/v1/runs/{id}/digest": object{
				"get": operation("getDigest", "Top-N canonical items of a run grouped by cluster",
					[]object{pathParam("id", "Run ID"), queryParam("top", "integer", "Number of items (default 20)")},
					nil, ref("Digest"), "400", "404"),
			},
			"/api/v1/status": object{
				"get": operation("getStatus", "Latest run report and pending index writes", nil, nil, object{"type": "object"}),
			},
			"/api/v1/ask": object{
				"post": operation("ask", "Answer a question from indexed content",
					nil, ref("AskRequest"), ref("Answer"), "400", "503"),
			},
			"/api/v1/search": object{
				"get": operation("search", "Semantic search over indexed items",
					[]object{
						queryParam("query", "string", "Search text"),
						queryParam("max_results", "integer", "Maximum hits (default 10, max 100)"),
						queryParam("after", "string", "Only items published at or after this time (RFC 3339)"),
						queryParam("before", "string", "Only items published before this time (RFC 3339)"),
						queryParam("type", "string", "Content type filter: article, podcast or video. Repeatable."),
					},
					nil, object{"type": "object", "properties": object{
						"hits":  object{"type": "array", "items": ref("SearchHit")},
						"count": object{"type": "integer"},
					}}, "400", "503"),
			},
			"/api/v1/suggestions": object{
				"get": operation("getSuggestions", "Starter questions from recent cluster names",
					[]object{queryParam("limit", "integer", "Number of suggestions (default 8)")},
					nil, object{"type": "object", "properties": object{
						"suggestions": object{"type": "array", "items": object{"type": "string"}},
					}}, "400"),
			},
			"/api/v1/items/{id}": object{
				"get":    operation("getItem", "Get a content item", []object{itemID}, nil, ref("ContentItem"), "404"),
				"delete": operation("deleteItem", "Delete an item and its vector", []object{itemID}, nil, ref("Deleted"), "404"),
			},
			"/api/v1/conversations/{id}": object{
				"get": operation("getConversation", "Get a conversation's history",
					[]object{pathParam("id", "Conversation ID")}, nil, ref("Conversation"), "404"),
				"delete": operation("deleteConversation", "Forget a conversation",
					[]object{pathParam("id", "Conversation ID")}, nil, ref("Deleted"), "404"),
			},
		},
		"components": object{
			"schemas": object{
				"Error":  object{"type": "object", "properties": object{"error": object{"type": "string"}}},
				"Status": object{"type": "object", "properties": object{"status": object{"type": "string"}}},
				"Deleted": object{"type": "object", "properties": object{
					"success": object{"type": "boolean"},
					"id":      object{"type": "string"},
				}},
				"ContentItem": object{
					"type":     "object",
					"required": []string{"id", "title", "type", "published_at"},
					"properties": object{
						"id":           object{"type": "string"},
						"source_id":    object{"type": "string"},
						"source":       object{"type": "string"},
						"url":          object{"type": "string"},
						"title":        object{"type": "string"},
						"body":         object{"type": "string"},
						"published_at": object{"type": "string", "format": "date-time"},
						"type":         object{"type": "string", "enum": []string{"article", "podcast", "video"}},
						"cluster_id":   object{"type": "string"},
						"duplicate_of": object{"type": "string"},
					},
				},
				"RunRequest": object{"type": "object", "properties": object{
					"items": object{"type": "array", "items": ref("ContentItem")},
				}},
				"RunResponse": object{"type": "object", "properties": object{
					"report": object{"type": "object", "properties": object{
						"id":              object{"type": "string"},
						"state":           object{"type": "string", "enum": []string{"running", "completed", "failed"}},
						"accepted":        object{"type": "integer"},
						"skipped":         object{"type": "array", "items": object{"type": "string"}},
						"fallback_scored": object{"type": "array", "items": object{"type": "string"}},
						"clusters":        object{"type": "integer"},
						"unclustered":     object{"type": "array", "items": object{"type": "string"}},
						"indexed":         object{"type": "integer"},
						"pending_upserts": object{"type": "array", "items": object{"type": "string"}},
					}},
					"error": object{"type": "string"},
				}},
				"Digest": object{"type": "object", "properties": object{
					"run_id": object{"type": "string"},
					"sections": object{"type": "array", "items": object{"type": "object", "properties": object{
						"cluster_id": object{"type": "string"},
						"name":       object{"type": "string"},
						"summary":    object{"type": "string"},
						"items":      object{"type": "array", "items": object{"type": "object"}},
					}}},
					"unclustered": object{"type": "array", "items": object{"type": "object"}},
				}},
				"AskRequest": object{
					"type":     "object",
					"required": []string{"question"},
					"properties": object{
						"conversation_id": object{"type": "string"},
						"question":        object{"type": "string"},
					},
				},
				"Answer": object{"type": "object", "properties": object{
					"conversation_id": object{"type": "string"},
					"text":            object{"type": "string"},
					"empty":           object{"type": "boolean"},
					"state":           object{"type": "string", "enum": []string{"answered", "failed"}},
					"scope":           object{"type": "string"},
					"citations": object{"type": "array", "items": object{"type": "object", "properties": object{
						"marker":     object{"type": "integer"},
						"item_id":    object{"type": "string"},
						"title":      object{"type": "string"},
						"url":        object{"type": "string"},
						"similarity": object{"type": "number"},
					}}},
				}},
				"SearchHit": object{"type": "object", "properties": object{
					"item_id":    object{"type": "string"},
					"similarity": object{"type": "number"},
					"metadata":   object{"type": "object"},
				}},
				"Conversation": object{"type": "object", "properties": object{
					"id":         object{"type": "string"},
					"updated_at": object{"type": "string", "format": "date-time"},
					"messages": object{"type": "array", "items": object{"type": "object", "properties": object{
						"role":    object{"type": "string"},
						"content": object{"type": "string"},
					}}},
				}},
			},
		},
	}

	successResponse(w, spec)
}
