package boardsync

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const notificationSchemaURL = "https://boardsync.local/schemas/notification.json"

const notificationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "id": {"type": "string"},
    "unitOfWork": {"type": "string"},
    "type": {"type": "string", "minLength": 1},
    "issue": {
      "type": "object",
      "required": ["key"],
      "properties": {
        "key": {"type": "string", "pattern": "^[^-\\s]+-.+$"},
        "type": {"type": "string"},
        "priority": {"type": "string"},
        "summary": {"type": "string"},
        "assignee": {"type": "string"},
        "components": {"type": "array", "items": {"type": "string"}},
        "status": {"type": "string"},
        "customFields": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "changelog": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field"],
        "properties": {
          "field": {"type": "string", "minLength": 1},
          "fieldtype": {"type": "string"},
          "oldValue": {"type": "string"},
          "oldString": {"type": "string"},
          "newValue": {"type": "string"},
          "newString": {"type": "string"}
        }
      }
    },
    "rank": {
      "type": "object",
      "required": ["issueKeys"],
      "properties": {
        "issueKeys": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
        "rankAfterKey": {"type": "string"},
        "rankBeforeKey": {"type": "string"}
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "rank_started"}}},
      "then": {"required": ["rank"]}
    },
    {
      "if": {"properties": {"type": {"enum": ["issue_created", "issue_deleted", "issue_moved", "issue_updated",
        "issue_assigned", "issue_resolved", "issue_closed", "issue_reopened", "issue_generic",
        "work_started", "work_stopped"]}}},
      "then": {"required": ["issue"]}
    }
  ]
}`

// NotificationValidator checks ingest envelopes against the notification
// schema before they are decoded.
type NotificationValidator struct {
	schema *jsonschema.Schema
}

func NewNotificationValidator() (*NotificationValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchema))
	if err != nil {
		return nil, fmt.Errorf("parse notification schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(notificationSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add notification schema: %w", err)
	}
	schema, err := c.Compile(notificationSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile notification schema: %w", err)
	}
	return &NotificationValidator{schema: schema}, nil
}

func (v *NotificationValidator) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: notification is not valid json: %v", ErrInvalidInput, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
