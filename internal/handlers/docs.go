package handlers

import (
	"encoding/json"
	"net/http"
)

func queryParam(name, description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

func pathParam(name, description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "path",
		"description": description,
		"required":    true,
		"schema":      schema,
	}
}

func stringSchema(format string) map[string]interface{} {
	s := map[string]interface{}{"type": "string"}
	if format != "" {
		s["format"] = format
	}
	return s
}

func jsonContent(schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"application/json": map[string]interface{}{"schema": schema},
	}
}

func errorResponse(description string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content":     jsonContent(map[string]interface{}{"$ref": "#/components/schemas/Error"}),
	}
}

var kindSchema = map[string]interface{}{"type": "string", "enum": []string{"import", "export"}}

// OpenAPISpec returns the OpenAPI 3.0 specification for the Comex Platform API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	operationSchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id":                   map[string]string{"type": "integer"},
			"product_code":         map[string]string{"type": "string"},
			"product_description":  map[string]string{"type": "string"},
			"operation_kind":       kindSchema,
			"counterpart_country":  map[string]string{"type": "string"},
			"region":               map[string]string{"type": "string"},
			"transport_mode":       map[string]string{"type": "string"},
			"fob_value":            map[string]string{"type": "string", "format": "decimal"},
			"freight_value":        map[string]interface{}{"type": "string", "format": "decimal", "nullable": true},
			"insurance_value":      map[string]interface{}{"type": "string", "format": "decimal", "nullable": true},
			"net_weight_kg":        map[string]interface{}{"type": "string", "format": "decimal", "nullable": true},
			"statistical_quantity": map[string]interface{}{"type": "string", "format": "decimal", "nullable": true},
			"statistical_unit":     map[string]string{"type": "string"},
			"operation_date":       stringSchema("date-time"),
			"reference_period":     map[string]string{"type": "string"},
			"source_tag":           map[string]string{"type": "string"},
			"source_file":          map[string]string{"type": "string"},
		},
	}

	summarySchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reference_period":    map[string]string{"type": "string"},
			"operation_kind":      kindSchema,
			"operations":          map[string]string{"type": "integer"},
			"products":            map[string]string{"type": "integer"},
			"countries":           map[string]string{"type": "integer"},
			"total_fob":           map[string]string{"type": "string", "format": "decimal"},
			"total_net_weight_kg": map[string]string{"type": "string", "format": "decimal"},
		},
	}

	reportSchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"run_id":                map[string]string{"type": "string"},
			"started_at":            stringSchema("date-time"),
			"finished_at":           stringSchema("date-time"),
			"state":                 map[string]string{"type": "string"},
			"total_records_written": map[string]string{"type": "integer"},
			"inserted":              map[string]string{"type": "integer"},
			"updated":               map[string]string{"type": "integer"},
			"rejected":              map[string]string{"type": "integer"},
			"periods_processed":     map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}},
			"source_used":           map[string]interface{}{"type": "object", "additionalProperties": map[string]string{"type": "string"}},
			"errors":                map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}},
			"warnings":              map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}},
			"fatal":                 map[string]string{"type": "string"},
		},
	}

	pageParams := []map[string]interface{}{
		queryParam("page", "Page number (default: 1)", map[string]interface{}{"type": "integer", "default": 1}),
		queryParam("limit", "Records per page (default: 100, max: 1000)", map[string]interface{}{"type": "integer", "default": 100}),
	}

	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Comex Platform API",
			"description": "Foreign-trade statistics ingestion with API, bulk file and portal fallbacks, backed by PostgreSQL",
			"version":     "1.0.0",
			"contact": map[string]string{
				"name": "Comex Platform Team",
			},
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/operations": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get trade operations",
					"description": "Retrieve normalized trade operations with filtering and pagination",
					"parameters": append([]map[string]interface{}{
						queryParam("product_code", "Filter by product code (digits, padded to 8)", stringSchema("")),
						queryParam("kind", "Filter by operation kind", kindSchema),
						queryParam("country", "Filter by counterpart country", stringSchema("")),
						queryParam("region", "Filter by region (state code or name)", stringSchema("")),
						queryParam("period", "Filter by reference period (YYYY-MM)", stringSchema("")),
						queryParam("start_date", "Filter by start date (YYYY-MM-DD)", stringSchema("date")),
						queryParam("end_date", "Filter by end date (YYYY-MM-DD)", stringSchema("date")),
					}, pageParams...),
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Successful response",
							"content": jsonContent(map[string]interface{}{
								"type": "object",
								"properties": map[string]interface{}{
									"data":        map[string]interface{}{"type": "array", "items": operationSchema},
									"total":       map[string]string{"type": "integer"},
									"page":        map[string]string{"type": "integer"},
									"limit":       map[string]string{"type": "integer"},
									"total_pages": map[string]string{"type": "integer"},
								},
							}),
						},
						"400": errorResponse("Invalid filter"),
					},
				},
			},
			"/api/operations/{product_code}/{kind}/{date}": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get one trade operation",
					"description": "Looks up a single operation by its natural key",
					"parameters": []map[string]interface{}{
						pathParam("product_code", "NCM product code", stringSchema("")),
						pathParam("kind", "Operation kind", kindSchema),
						pathParam("date", "Operation date (YYYY-MM-DD)", stringSchema("date")),
						queryParam("country", "Counterpart country", stringSchema("")),
						queryParam("region", "Brazilian state code", stringSchema("")),
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Successful response",
							"content":     jsonContent(operationSchema),
						},
						"400": errorResponse("Invalid key"),
						"404": errorResponse("Operation not found"),
					},
				},
			},
			"/api/operations/summary": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Summarize trade operations",
					"description": "Totals per reference period and operation kind",
					"parameters": []map[string]interface{}{
						queryParam("kind", "Filter by operation kind", kindSchema),
						queryParam("start_period", "First reference period (YYYY-MM)", stringSchema("")),
						queryParam("end_period", "Last reference period (YYYY-MM)", stringSchema("")),
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Successful response",
							"content": jsonContent(map[string]interface{}{
								"type": "object",
								"properties": map[string]interface{}{
									"data": map[string]interface{}{"type": "array", "items": summarySchema},
								},
							}),
						},
						"400": errorResponse("Invalid period range"),
					},
				},
			},
			"/api/ingestion/run": map[string]interface{}{
				"post": map[string]interface{}{
					"summary":     "Run ingestion",
					"description": "Fetch, normalize and upsert the requested periods. Blocks until the run finishes.",
					"parameters": []map[string]interface{}{
						queryParam("periods", "Comma separated reference periods (YYYY-MM)", stringSchema("")),
						queryParam("months_back", "Trailing complete months when periods is omitted", map[string]interface{}{"type": "integer"}),
						queryParam("kinds", "Comma separated operation kinds (default: import,export)", stringSchema("")),
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{"description": "Run report", "content": jsonContent(reportSchema)},
						"400": errorResponse("Invalid parameters"),
						"409": errorResponse("Another run is in progress"),
						"503": map[string]interface{}{"description": "Run stopped by a store failure", "content": jsonContent(reportSchema)},
					},
				},
			},
			"/api/ingestion/status": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Ingestion status",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Current orchestrator state",
							"content": jsonContent(map[string]interface{}{
								"type": "object",
								"properties": map[string]interface{}{
									"running": map[string]string{"type": "boolean"},
									"state":   map[string]string{"type": "string"},
								},
							}),
						},
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Health check",
					"description": "Check if the API and its store are reachable",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{"description": "API is healthy"},
						"503": map[string]interface{}{"description": "Store is unreachable"},
					},
				},
			},
			"/metrics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Prometheus metrics",
					"description": "Prometheus metrics endpoint for monitoring",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Prometheus metrics in text format",
							"content": map[string]interface{}{
								"text/plain": map[string]interface{}{
									"schema": map[string]string{"type": "string"},
								},
							},
						},
					},
				},
			},
		},
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"error":   map[string]string{"type": "string"},
						"message": map[string]string{"type": "string"},
						"code":    map[string]string{"type": "integer"},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
