package wire

import (
	"encoding/json"
)

// Validate reports whether raw is an acceptable data object for the
// given kind: an object whose fields are limited to {id, ack, args},
// whose id is a non-empty string, and whose args pass the kind-specific
// predicate. Validators never panic and never partially accept; a
// failing message is dropped by the channel without acknowledgement.
func Validate(kind Kind, raw []byte) bool {
	validator, ok := validators[kind]
	if !ok {
		return false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	for key := range fields {
		if key != "id" && key != "ack" && key != "args" {
			return false
		}
	}

	var id string
	if err := json.Unmarshal(fields["id"], &id); err != nil || id == "" {
		return false
	}
	if ackRaw, ok := fields["ack"]; ok && present(ackRaw) {
		var ack bool
		if err := json.Unmarshal(ackRaw, &ack); err != nil {
			return false
		}
	}

	return validator(fields["args"])
}

// validators maps every kind in the closed vocabulary to its args
// predicate. A kind absent from this table does not exist on the wire.
var validators = map[Kind]func(json.RawMessage) bool{
	KindRetrieve:      argsRequestOptions,
	KindHint:          argsRequestOptions,
	KindHintAvailable: argsRequestOptions,

	KindDisableAutoSignIn:   argsAbsent,
	KindCancelLastOperation: argsAbsent,
	KindWrapBrowser:         argsAbsent,

	KindSave:  argsCredential,
	KindProxy: argsCredential,

	KindCredential:                argsCredential,
	KindNone:                      argsAbsent,
	KindHintAvailableResult:       argsBool,
	KindDisableAutoSignInResult:   argsAbsent,
	KindSaveResult:                argsAbsent,
	KindProxyResult:               argsProxyResult,
	KindWrapBrowserResult:         argsAbsent,
	KindCancelLastOperationResult: argsAbsent,

	KindShowProvider: argsDisplayOptions,
	KindError:        argsErrorData,

	KindReadyForConnect: argsNonEmptyString,
	KindChannelConnect:  argsNonEmptyString,
	KindChannelReady:    argsNonEmptyString,
	KindAck:             argsAbsent,
}

// present reports whether raw carries a value (not absent, not null).
func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func argsAbsent(raw json.RawMessage) bool {
	return !present(raw)
}

func argsBool(raw json.RawMessage) bool {
	if !present(raw) {
		return false
	}
	var b bool
	return json.Unmarshal(raw, &b) == nil
}

func argsNonEmptyString(raw json.RawMessage) bool {
	if !present(raw) {
		return false
	}
	var s string
	return json.Unmarshal(raw, &s) == nil && s != ""
}

// objectFields decodes raw as a JSON object and verifies every field
// name is in the whitelist. This is the mechanism that keeps secret or
// extension fields from riding along inside structured payloads.
func objectFields(raw json.RawMessage, allowed map[string]bool) (map[string]json.RawMessage, bool) {
	if !present(raw) {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	for key := range fields {
		if !allowed[key] {
			return nil, false
		}
	}
	return fields, true
}

var credentialFields = map[string]bool{
	"id":                  true,
	"authMethod":          true,
	"authDomain":          true,
	"displayName":         true,
	"profilePicture":      true,
	"password":            true,
	"proxiedAuthRequired": true,
}

func argsCredential(raw json.RawMessage) bool {
	fields, ok := objectFields(raw, credentialFields)
	if !ok {
		return false
	}
	for _, required := range []string{"id", "authMethod", "authDomain"} {
		var s string
		if err := json.Unmarshal(fields[required], &s); err != nil || s == "" {
			return false
		}
	}
	var cred Credential
	return json.Unmarshal(raw, &cred) == nil
}

var requestOptionFields = map[string]bool{
	"supportedAuthMethods": true,
}

func argsRequestOptions(raw json.RawMessage) bool {
	fields, ok := objectFields(raw, requestOptionFields)
	if !ok {
		return false
	}
	var methods []string
	if err := json.Unmarshal(fields["supportedAuthMethods"], &methods); err != nil {
		return false
	}
	if len(methods) == 0 {
		return false
	}
	for _, m := range methods {
		if m == "" {
			return false
		}
	}
	return true
}

var errorDataFields = map[string]bool{
	"code":    true,
	"message": true,
}

func argsErrorData(raw json.RawMessage) bool {
	fields, ok := objectFields(raw, errorDataFields)
	if !ok {
		return false
	}
	var code ErrorCode
	if err := json.Unmarshal(fields["code"], &code); err != nil || !knownCodes[code] {
		return false
	}
	if msgRaw, ok := fields["message"]; ok && present(msgRaw) {
		var msg string
		if err := json.Unmarshal(msgRaw, &msg); err != nil {
			return false
		}
	}
	return true
}

var displayOptionFields = map[string]bool{
	"height": true,
	"width":  true,
}

func argsDisplayOptions(raw json.RawMessage) bool {
	fields, ok := objectFields(raw, displayOptionFields)
	if !ok {
		return false
	}
	for _, key := range []string{"height", "width"} {
		if numRaw, ok := fields[key]; ok && present(numRaw) {
			var n float64
			if err := json.Unmarshal(numRaw, &n); err != nil {
				return false
			}
		}
	}
	return true
}

var proxyResultFields = map[string]bool{
	"statusCode":   true,
	"responseText": true,
}

// ProxyResult is the outcome of a proxied authentication round-trip.
type ProxyResult struct {
	StatusCode   int    `json:"statusCode"`
	ResponseText string `json:"responseText,omitempty"`
}

func argsProxyResult(raw json.RawMessage) bool {
	fields, ok := objectFields(raw, proxyResultFields)
	if !ok {
		return false
	}
	var status int
	if err := json.Unmarshal(fields["statusCode"], &status); err != nil {
		return false
	}
	return true
}
