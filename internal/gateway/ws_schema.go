package gateway

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var rpcSchemas schemaRegistry

func initSchemas() error {
	rpcSchemas.once.Do(func() {
		req, err := jsonschema.CompileString("rpc_request", requestSchema)
		if err != nil {
			rpcSchemas.initErr = err
			return
		}
		rpcSchemas.request = req

		methods := map[string]string{
			"connect":        connectParamsSchema,
			"agent":          agentParamsSchema,
			"sessions.get":   sessionKeyParamsSchema,
			"sessions.stop":  sessionKeyParamsSchema,
			"sessions.list":  sessionsListParamsSchema,
			"sessions.patch": sessionsPatchParamsSchema,
		}
		rpcSchemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("rpc_method_"+name, schema)
			if err != nil {
				rpcSchemas.initErr = err
				return
			}
			rpcSchemas.methods[name] = compiled
		}
	})
	return rpcSchemas.initErr
}

// validateRequestFrame checks the envelope and, for methods with a schema,
// the params. Failures are parse errors.
func validateRequestFrame(raw []byte, frame *wsFrame) error {
	if err := initSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &gwerrors.ParseError{Reason: err.Error()}
	}
	if err := rpcSchemas.request.Validate(payload); err != nil {
		return &gwerrors.ParseError{Reason: err.Error()}
	}
	schema := rpcSchemas.methods[frame.Method]
	if schema == nil {
		return nil
	}
	var params any = map[string]any{}
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return &gwerrors.ParseError{Reason: err.Error()}
		}
	}
	if err := schema.Validate(params); err != nil {
		return &gwerrors.ParseError{Input: frame.Method, Reason: err.Error()}
	}
	return nil
}

const requestSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const connectParamsSchema = `{
  "type": "object",
  "required": ["client"],
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "version": { "type": "string" },
        "platform": { "type": "string" }
      },
      "additionalProperties": true
    },
    "auth": {
      "type": "object",
      "properties": { "token": { "type": "string" } },
      "additionalProperties": true
    },
    "events": {
      "type": "array",
      "items": { "enum": ["system", "run", "session", "queue", "*"] }
    }
  },
  "additionalProperties": true
}`

const agentParamsSchema = `{
  "type": "object",
  "required": ["sessionKey", "message"],
  "properties": {
    "sessionKey": { "type": "string" },
    "message": { "type": "string", "minLength": 1 },
    "idempotencyKey": { "type": "string", "maxLength": 256 },
    "targetSessionKey": { "type": "string" },
    "agentId": { "type": "string" },
    "channel": { "type": "string" }
  },
  "additionalProperties": false
}`

const sessionKeyParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const sessionsListParamsSchema = `{
  "type": "object",
  "properties": {
    "channel": { "type": "string" },
    "prefix": { "type": "string" },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": false
}`

const sessionsPatchParamsSchema = `{
  "type": "object",
  "required": ["sessionKey", "patch"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "patch": {
      "type": "object",
      "properties": {
        "channel": { "type": ["string", "null"] },
        "label": { "type": ["string", "null"] },
        "providerOverride": { "type": ["string", "null"] },
        "modelOverride": { "type": ["string", "null"] },
        "authProfileOverride": { "type": ["string", "null"] },
        "authProfileOverrideSource": { "enum": ["manual", "auto", null] },
        "authProfileOverrideCompactionCount": { "type": ["integer", "null"], "minimum": 0 },
        "thinkingLevel": { "type": ["string", "null"] },
        "elevatedLevel": { "enum": ["off", "on", "ask", null] },
        "totalTokens": { "type": ["integer", "null"], "minimum": 0 },
        "inputTokens": { "type": ["integer", "null"], "minimum": 0 },
        "outputTokens": { "type": ["integer", "null"], "minimum": 0 },
        "contextTokens": { "type": ["integer", "null"], "minimum": 0 },
        "compactionCount": { "type": ["integer", "null"], "minimum": 0 },
        "abortedLastRun": { "type": ["boolean", "null"] },
        "lastProvider": { "type": ["string", "null"] },
        "lastModel": { "type": ["string", "null"] }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`
