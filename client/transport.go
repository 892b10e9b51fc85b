package client

import (
	"encoding/json"
	"net/http"
)

// Transport attaches the stored demo credential to outgoing requests as
// "Authorization: Bearer demo_..." and the X-Demo-User profile header. Requests pass
// through untouched when no complete credential is stored.
type Transport struct {
	Base  http.RoundTripper
	Store *CredentialStore
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Store == nil || !t.Store.HasCredential() {
		return base.RoundTrip(req)
	}
	token, okToken := t.Store.Token()
	profile, okProfile := t.Store.UserProfile()
	if !okToken || !okProfile {
		return base.RoundTrip(req)
	}
	header, err := json.Marshal(profile)
	if err != nil {
		return base.RoundTrip(req)
	}

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("X-Demo-User", string(header))
	return base.RoundTrip(r)
}
