package httpapi

// openAPIDocument is a hand-authored OpenAPI 3 description of the route
// table, served statically at GET /v1/openapi.yaml and rendered
// interactively at GET /v1/docs via swaggo/http-swagger.
const openAPIDocument = `openapi: 3.0.3
info:
  title: Payledger Webhook Ingestion & Subscription Lifecycle API
  version: "1.0"
servers:
  - url: /v1
paths:
  /subscriptions:
    post:
      summary: Create a subscription
      responses:
        "200":
          description: SubscriptionCreateOut
        "400":
          description: invalid request
        "404":
          description: customer not found
  /subscriptions/{id}/cancel-at-period-end:
    post:
      summary: Set cancel_at_period_end on a subscription
      parameters:
        - in: path
          name: id
          required: true
          schema:
            type: integer
      responses:
        "200":
          description: updated subscription
        "404":
          description: subscription not found
  /webhooks/{provider}:
    post:
      summary: Receive a signed webhook notification
      parameters:
        - in: path
          name: provider
          required: true
          schema:
            type: string
      responses:
        "200":
          description: WebhookEvent
        "400":
          description: invalid webhook body encoding or payload
        "401":
          description: unauthorized (unknown provider, missing headers, bad timestamp)
        "403":
          description: forbidden (ip not allowed, invalid signature, replay attack)
        "429":
          description: rate limit exceeded
  /webhooks:
    get:
      summary: List webhook events, newest first
      responses:
        "200":
          description: array of WebhookEvent
  /webhooks/{event_id}:
    get:
      summary: Fetch a single webhook event
      parameters:
        - in: path
          name: event_id
          required: true
          schema:
            type: string
        - in: query
          name: provider
          schema:
            type: string
      responses:
        "200":
          description: WebhookEvent
        "400":
          description: ambiguous event_id across providers
        "404":
          description: not found
  /jobs/enforce-grace:
    post:
      summary: Run the grace-period enforcement sweep
      responses:
        "200":
          description: GraceSweepResult
  /jobs/expire-subscriptions:
    post:
      summary: Run the period-end expiry sweep
      responses:
        "200":
          description: ExpireSweepResult
  /jobs/retry-failed-webhooks:
    post:
      summary: Retry failed webhook events
      parameters:
        - in: query
          name: limit
          schema:
            type: integer
      responses:
        "200":
          description: RetryFailedResult
  /admin/webhooks/{event_id}/reprocess:
    post:
      summary: Force reprocessing of a webhook event regardless of status
      parameters:
        - in: path
          name: event_id
          required: true
          schema:
            type: string
      responses:
        "200":
          description: WebhookEvent
        "404":
          description: not found
  /admin/metrics:
    get:
      summary: JSON snapshot of the four webhook counters
      responses:
        "200":
          description: counters snapshot
  /metrics:
    get:
      summary: Prometheus text exposition of the four webhook counters
      responses:
        "200":
          description: text/plain; version=0.0.4; charset=utf-8
`
