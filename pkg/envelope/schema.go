package envelope

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchema describes the wire shapes this protocol produces: a host
// request ({"host": block}), an agent response ({"agent": block, "host"?:
// block, "responses"?: [block]}), or a bare signed block. Anything that does
// not match is treated as plain text, not as a trust failure.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "$defs": {
    "block": {
      "type": "object",
      "properties": {
        "agent": {"type": "string"},
        "envelope": {"type": "object"},
        "signature": {"type": "string"}
      }
    }
  },
  "anyOf": [
    {
      "properties": {"host": {"$ref": "#/$defs/block"}},
      "required": ["host"]
    },
    {
      "properties": {
        "agent": {"$ref": "#/$defs/block"},
        "responses": {"type": "array", "items": {"$ref": "#/$defs/block"}}
      },
      "required": ["agent"]
    },
    {
      "properties": {
        "agent": {"type": "string"},
        "envelope": {"type": "object"},
        "signature": {"type": "string"}
      },
      "required": ["agent", "envelope", "signature"]
    }
  ]
}`

var compiledPayloadSchema = jsonschema.MustCompileString("payload.json", payloadSchema)

// LooksLikeProtocol reports whether raw parses as a protocol payload. The
// verifier uses this to separate signed traffic from ordinary chat text.
func LooksLikeProtocol(raw string) bool {
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var v any
	if err := decoder.Decode(&v); err != nil {
		return false
	}
	return compiledPayloadSchema.Validate(v) == nil
}
