// Package docs registers the OpenAPI document served at /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/orders": {
            "post": {
                "tags": ["orders"],
                "summary": "Place an order",
                "operationId": "placeOrder",
                "parameters": [
                    {"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.PlaceOrderRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/services.PlacedOrder"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/orders/{id}": {
            "get": {
                "tags": ["orders"],
                "summary": "Get an order",
                "operationId": "getOrder",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Order"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/orders/{id}/status": {
            "post": {
                "tags": ["orders"],
                "summary": "Move an order to a new status",
                "operationId": "updateOrderStatus",
                "parameters": [
                    {"in": "path", "name": "id", "type": "string", "required": true},
                    {"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.UpdateStatusRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Order"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/orders/{id}/cancel": {
            "post": {
                "tags": ["orders"],
                "summary": "Cancel an order",
                "operationId": "cancelOrder",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Order"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/tabs/{id}": {
            "get": {
                "tags": ["tabs"],
                "summary": "Get a tab with its totals",
                "operationId": "getTab",
                "parameters": [
                    {"in": "path", "name": "id", "type": "string", "required": true},
                    {"in": "header", "name": "If-None-Match", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Tab"}},
                    "304": {"description": "Not Modified"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/tabs/{id}/settle": {
            "post": {
                "tags": ["tabs"],
                "summary": "Settle a tab",
                "operationId": "settleTab",
                "parameters": [
                    {"in": "path", "name": "id", "type": "string", "required": true},
                    {"in": "header", "name": "Idempotency-Key", "type": "string"},
                    {"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SettleTabRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.SettlementResult"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/tabs/{id}/recompute": {
            "post": {
                "tags": ["tabs"],
                "summary": "Recompute tab totals (staff)",
                "operationId": "recomputeTab",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/tabs/{id}/verify": {
            "post": {
                "tags": ["tabs"],
                "summary": "Verify stored totals against orders (staff)",
                "operationId": "verifyTab",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/tabs/{id}/unlock": {
            "post": {
                "tags": ["tabs"],
                "summary": "Release a payment lock (staff)",
                "operationId": "unlockTab",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"204": {"description": "No Content"}}
            }
        },
        "/tabs/{id}/counter/confirm": {
            "post": {
                "tags": ["tabs"],
                "summary": "Confirm a pay-at-counter settlement (staff)",
                "operationId": "confirmCounter",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/webhooks/payments": {
            "post": {
                "tags": ["webhooks"],
                "summary": "Receive a signed gateway payment event",
                "operationId": "paymentWebhook",
                "parameters": [
                    {"in": "header", "name": "X-Signature", "type": "string", "required": true},
                    {"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/domain.PaymentEvent"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.ApplyResult"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/failed-events": {
            "get": {
                "tags": ["failed-events"],
                "summary": "List failed payment events (staff)",
                "operationId": "listFailedEvents",
                "parameters": [
                    {"in": "query", "name": "status", "type": "string"},
                    {"in": "query", "name": "page", "type": "integer"},
                    {"in": "query", "name": "page_size", "type": "integer"}
                ],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/failed-events/{id}/retry": {
            "post": {
                "tags": ["failed-events"],
                "summary": "Retry a failed payment event (staff)",
                "operationId": "retryFailedEvent",
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string", "example": "payment_in_progress"},
                "message": {"type": "string"}
            }
        },
        "handlers.PlaceOrderRequest": {
            "type": "object",
            "required": ["items"],
            "properties": {
                "business_id": {"type": "string"},
                "channel": {"type": "string", "example": "dine_in"},
                "table_id": {"type": "string", "example": "T4"},
                "tab_token": {"type": "string"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/handlers.LineItemRequest"}}
            }
        },
        "handlers.LineItemRequest": {
            "type": "object",
            "properties": {
                "sku": {"type": "string"},
                "name": {"type": "string"},
                "quantity": {"type": "integer"},
                "unit_price": {"type": "string", "example": "120.50"}
            }
        },
        "handlers.UpdateStatusRequest": {
            "type": "object",
            "required": ["status"],
            "properties": {
                "status": {"type": "string", "example": "preparing"},
                "note": {"type": "string"}
            }
        },
        "handlers.SettleTabRequest": {
            "type": "object",
            "required": ["method"],
            "properties": {
                "method": {"type": "string", "example": "online"},
                "expected_amount": {"type": "string", "example": "400.00"}
            }
        },
        "domain.Order": {"type": "object"},
        "domain.Tab": {"type": "object"},
        "domain.PaymentEvent": {"type": "object"},
        "services.PlacedOrder": {"type": "object"},
        "services.SettlementResult": {"type": "object"},
        "services.ApplyResult": {"type": "object"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Tab Ledger API",
	Description:      "Order ledger, tab aggregation and payment settlement.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
