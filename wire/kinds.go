// Package wire defines the RPC message vocabulary exchanged between a
// client page and its credential relay: the closed set of message kinds,
// the envelope shape, and the validators that gate every inbound message
// before it reaches a listener.
package wire

// Kind identifies a message type on the wire.
type Kind string

const (
	// Client-originated requests
	KindRetrieve            Kind = "retrieve"
	KindHint                Kind = "hint"
	KindHintAvailable       Kind = "hintAvailable"
	KindDisableAutoSignIn   Kind = "disableAutoSignIn"
	KindSave                Kind = "save"
	KindProxy               Kind = "proxy"
	KindWrapBrowser         Kind = "wrapBrowser"
	KindCancelLastOperation Kind = "cancelLastOperation"

	// Relay-originated responses
	KindCredential                Kind = "credential"
	KindNone                      Kind = "none"
	KindHintAvailableResult       Kind = "hintAvailableResult"
	KindDisableAutoSignInResult   Kind = "disableAutoSignInResult"
	KindSaveResult                Kind = "saveResult"
	KindProxyResult               Kind = "proxyResult"
	KindWrapBrowserResult         Kind = "wrapBrowserResult"
	KindCancelLastOperationResult Kind = "cancelLastOperationResult"

	// Relay-originated signals
	KindShowProvider Kind = "showProvider"
	KindError        Kind = "error"

	// Channel establishment and protocol acknowledgement
	KindReadyForConnect Kind = "readyForConnect"
	KindChannelConnect  Kind = "channelConnect"
	KindChannelReady    Kind = "channelReady"
	KindAck             Kind = "ack"
)

// requestKinds are the kinds the relay accepts as client-originated
// operations. cancelLastOperation is a request but is exempt from the
// relay's single-flight rule.
var requestKinds = []Kind{
	KindRetrieve,
	KindHint,
	KindHintAvailable,
	KindDisableAutoSignIn,
	KindSave,
	KindProxy,
	KindWrapBrowser,
	KindCancelLastOperation,
}

// IsRequest reports whether k is a client-originated operation kind.
func IsRequest(k Kind) bool {
	for _, rk := range requestKinds {
		if rk == k {
			return true
		}
	}
	return false
}

// Known reports whether k belongs to the closed wire vocabulary.
func Known(k Kind) bool {
	_, ok := validators[k]
	return ok
}

// Kinds returns every kind in the closed wire vocabulary, in no
// particular order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(validators))
	for k := range validators {
		kinds = append(kinds, k)
	}
	return kinds
}
