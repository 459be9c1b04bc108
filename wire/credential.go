package wire

// Authentication method tags. The password method marks credentials
// carrying a secret; every other value identifies a federated provider
// by its canonical origin.
const (
	AuthMethodPassword = "credential://password"
	AuthMethodGoogle   = "https://accounts.google.com"
	AuthMethodFacebook = "https://www.facebook.com"
)

// Credential is the identity record exchanged between relay and client.
// Only the fields declared here may ever cross the trust boundary; the
// validator rejects any representation carrying extra fields.
type Credential struct {
	ID                  string `json:"id"`
	AuthMethod          string `json:"authMethod"`
	AuthDomain          string `json:"authDomain"`
	DisplayName         string `json:"displayName,omitempty"`
	ProfilePicture      string `json:"profilePicture,omitempty"`
	Password            string `json:"password,omitempty"`
	ProxiedAuthRequired bool   `json:"proxiedAuthRequired,omitempty"`
}

// IsPasswordMethod reports whether the auth method carries a local secret.
func IsPasswordMethod(method string) bool {
	return method == AuthMethodPassword
}

// Redacted returns a copy with the password removed and the
// proxied-auth marker set, for callers that must not see the secret.
func (c Credential) Redacted() Credential {
	c.Password = ""
	c.ProxiedAuthRequired = true
	return c
}

// HintFields returns a copy stripped down to the fields a hint may
// carry: no password and no proxied-auth marker.
func (c Credential) HintFields() Credential {
	c.Password = ""
	c.ProxiedAuthRequired = false
	return c
}

// Key identifies the logical identity behind a credential. Two records
// with the same key describe the same account.
type Key struct {
	ID         string
	AuthDomain string
}

// IdentityKey returns the credential's identity key.
func (c Credential) IdentityKey() Key {
	return Key{ID: c.ID, AuthDomain: c.AuthDomain}
}

// RequestOptions are the caller-supplied parameters for retrieve, hint
// and hint-availability operations.
type RequestOptions struct {
	SupportedAuthMethods []string `json:"supportedAuthMethods"`
}

// Supports reports whether the options accept the given auth method.
func (o RequestOptions) Supports(method string) bool {
	for _, m := range o.SupportedAuthMethods {
		if m == method {
			return true
		}
	}
	return false
}

// DisplayOptions describe the on-screen space the relay UI requests
// from the embedding page.
type DisplayOptions struct {
	Height float64 `json:"height,omitempty"`
	Width  float64 `json:"width,omitempty"`
}
