// Copyright 2024 The epic_fhir_tools Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package epicfhir

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Used for testing.
var timeNow = time.Now

// assertionLifetime is how long a signed client assertion remains valid.
// Epic rejects assertions whose exp is more than 5 minutes out.
const assertionLifetime = 4 * time.Minute

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Authenticator defines a module used for obtaining authentication credentials
// and attaching them to outbound requests to the FHIR API.
type Authenticator interface {
	// Authenticate unconditionally performs any credential exchange required to
	// make requests. It is generally not necessary to call this method, as it
	// will be called automatically by AddAuthenticationToRequest if credentials
	// have not yet been exchanged or have expired.
	Authenticate(hc *http.Client) error

	// AuthenticateIfNecessary performs any credential exchange required to make
	// requests, if the credentials have expired or have not yet been exchanged.
	// This can be used if you need to track authentication errors, but does not
	// need to be called otherwise; authentication will be done automatically
	// when requests are made using AddAuthenticationToRequest.
	AuthenticateIfNecessary(hc *http.Client) error

	// Add authentication credentials to an outbound request. This may perform
	// additional requests to perform credential exchange if required by the
	// authentication mechanism, both before any initial request, and on
	// subsequent requests if any acquired credentials have expired.
	//
	// Implementations should call their own AuthenticateIfNecessary method if
	// credential exchange is necessary.
	AddAuthenticationToRequest(hc *http.Client, req *http.Request) error
}

// bearerToken encapsulates a bearer token presented as an Authorization header.
type bearerToken struct {
	token  string
	expiry time.Time
}

func (bt *bearerToken) shouldRenew() bool {
	if bt == nil || bt.token == "" {
		return true
	}
	return !bt.expiry.IsZero() && bt.expiry.Before(timeNow())
}

func (bt *bearerToken) addHeader(req *http.Request) {
	req.Header.Set(authorizationHeader, fmt.Sprintf("Bearer %s", bt.token))
}

// tokenResponse represents an OAuth response from a token endpoint.
type tokenResponse struct {
	Token         string `json:"access_token"`
	ExpiresInSecs int64  `json:"expires_in"`
}

func (tr *tokenResponse) toBearerToken(defaultExpiry time.Duration) *bearerToken {
	bt := &bearerToken{token: tr.Token}
	if tr.ExpiresInSecs > 0 {
		bt.expiry = timeNow().Add(time.Duration(tr.ExpiresInSecs) * time.Second)
	} else if defaultExpiry > 0 {
		bt.expiry = timeNow().Add(defaultExpiry)
	}
	return bt
}

// JWTAssertionAuthenticator is an implementation of Authenticator which
// performs the SMART Backend Services flow: each credential exchange signs a
// short-lived RS384 client assertion with the app's private key and trades it
// for an access token, which is presented as an
// "Authorization: Bearer {token}" header in all requests.
//
// Note: this implementation is not thread safe.
type JWTAssertionAuthenticator struct {
	clientID   string
	tokenURL   string
	privateKey *rsa.PrivateKey
	keyID      string
	scopes     []string

	token *bearerToken

	defaultExpiry time.Duration
}

// JWTAssertionOptions contains optional parameters used when creating a
// JWTAssertionAuthenticator.
type JWTAssertionOptions struct {
	// OAuth scopes requested during the credential exchange, e.g.
	// "system/Patient.read".
	Scopes []string

	// KeyID is set as the "kid" header of each signed assertion, so the server
	// can select the matching public key. Optional.
	KeyID string

	// A default expiry duration to use if the authentication server does not
	// provide an "expires_in" duration in the response.
	DefaultExpiry time.Duration
}

// NewJWTAssertionAuthenticator creates a new JWTAssertionAuthenticator,
// validating its parameters. privateKeyPEM is the PKCS key registered for the
// backend app, in PEM form.
func NewJWTAssertionAuthenticator(clientID, tokenURL string, privateKeyPEM []byte, opts *JWTAssertionOptions) (*JWTAssertionAuthenticator, error) {
	if clientID == "" {
		return nil, errors.New("clientID must be specified for JWT assertion authentication")
	}
	parsed, err := url.Parse(tokenURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token URL %q: %w", tokenURL, err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("token URL %q is not absolute", tokenURL)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
	}

	a := &JWTAssertionAuthenticator{
		clientID:   clientID,
		tokenURL:   tokenURL,
		privateKey: key,
	}
	if opts != nil {
		a.scopes = opts.Scopes
		a.keyID = opts.KeyID
		a.defaultExpiry = opts.DefaultExpiry
	}
	return a, nil
}

// buildAssertion signs a fresh client assertion. The iss and sub claims are
// both the client ID, the aud is the token endpoint, and the jti is unique
// per assertion so the server can reject replays.
func (jaa *JWTAssertionAuthenticator) buildAssertion() (string, error) {
	now := timeNow()
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, jwt.RegisteredClaims{
		Issuer:    jaa.clientID,
		Subject:   jaa.clientID,
		Audience:  jwt.ClaimStrings{jaa.tokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        uuid.NewString(),
	})
	if jaa.keyID != "" {
		token.Header["kid"] = jaa.keyID
	}
	return token.SignedString(jaa.privateKey)
}

// buildBody serializes the token request form: the default grant_type, the
// signed assertion, and any configured scopes.
func (jaa *JWTAssertionAuthenticator) buildBody(assertion string) io.Reader {
	v := url.Values{}
	v.Add("grant_type", "client_credentials")
	v.Add("client_assertion_type", clientAssertionType)
	v.Add("client_assertion", assertion)
	if len(jaa.scopes) > 0 {
		v.Add("scope", strings.Join(jaa.scopes, " "))
	}
	return strings.NewReader(v.Encode())
}

// Authenticate is Authenticator.Authenticate.
//
// This Authenticator signs a private-key JWT client assertion and exchanges
// it for an expiring bearer token.
func (jaa *JWTAssertionAuthenticator) Authenticate(hc *http.Client) error {
	assertion, err := jaa.buildAssertion()
	if err != nil {
		return fmt.Errorf("failed to sign client assertion: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, jaa.tokenURL, jaa.buildBody(assertion))
	if err != nil {
		return err
	}
	req.Header.Add(acceptHeader, acceptHeaderJSON)
	req.Header.Add(contentTypeHeader, contentTypeFormURLEncoded)

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("unexpected status code %v, but also had an error parsing error body: %v %w", resp.StatusCode, err, ErrorUnexpectedStatusCode)
		}
		return fmt.Errorf("unexpected status code %v with error body: %s %w", resp.StatusCode, respBody, ErrorUnexpectedStatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return err
	}

	jaa.token = tr.toBearerToken(jaa.defaultExpiry)
	return nil
}

// AuthenticateIfNecessary is Authenticator.AuthenticateIfNecessary.
//
// Authentication is necessary if:
//   - Credential exchange has never been performed (i.e. no token is set)
//   - The obtained token has expired, based on either an "expires_in" value
//     from a previous request, or a default expiry set when the authenticator
//     was created.
func (jaa *JWTAssertionAuthenticator) AuthenticateIfNecessary(hc *http.Client) error {
	if jaa.token.shouldRenew() {
		return jaa.Authenticate(hc)
	}
	return nil
}

// AddAuthenticationToRequest is Authenticator.AddAuthenticationToRequest.
//
// This Authenticator adds an access token as an Authorization: Bearer {token}
// header, automatically requesting/refreshing the token as necessary.
func (jaa *JWTAssertionAuthenticator) AddAuthenticationToRequest(hc *http.Client, req *http.Request) error {
	if err := jaa.AuthenticateIfNecessary(hc); err != nil {
		return err
	}
	jaa.token.addHeader(req)
	return nil
}
