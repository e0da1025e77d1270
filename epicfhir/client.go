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

// Package epicfhir manages communication with Epic-style FHIR R4 REST APIs:
// SMART Backend Services authentication, search-based resource extraction
// with Bundle paging, and persistence of the incremental-extraction cursor.
package epicfhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/medallion/epic_fhir_tools/fhir"
)

var (
	// ErrorUnauthorized indicates that the server considers this client
	// unauthorized. While authenticators renew credentials automatically
	// if required, time-of-check-to-time-of-use may mean that this error is
	// still the result of expired credentials. Clients should consider
	// retrying the operation if needed.
	ErrorUnauthorized = errors.New("server indicates this client is unauthorized")
	// ErrorUnexpectedStatusCode indicates an unexpected status code was present.
	ErrorUnexpectedStatusCode = errors.New("unexpected non-ok HTTP status code")
	// ErrorRetryableHTTPStatus may be wrapped into other errors emitted by this
	// package to indicate to the caller that a retryable http error code was
	// returned from the server.
	ErrorRetryableHTTPStatus = errors.New("this is a retryable but unexpected HTTP status code error")
	// ErrorSearchExhausted is returned by SearchIterator.Next once every page
	// of the search has been consumed.
	ErrorSearchExhausted = errors.New("no more search pages")
)

// Header constants
const (
	authorizationHeader = "Authorization"

	acceptHeader         = "Accept"
	acceptHeaderJSON     = "application/json"
	acceptHeaderFHIRJSON = "application/fhir+json"

	contentTypeHeader         = "Content-Type"
	contentTypeFormURLEncoded = "application/x-www-form-urlencoded"
)

const defaultPageSize = 100

// Client represents an Epic FHIR R4 API client.
type Client struct {
	baseURL  string
	pageSize int

	httpClient    *http.Client
	authenticator Authenticator
}

// ClientOptions contains optional parameters used when creating a Client.
type ClientOptions struct {
	// PageSize is the _count parameter sent on search requests. Defaults to
	// 100 if unset.
	PageSize int
	// HTTPClient overrides the http.Client used for all requests. Defaults to
	// a zero-value http.Client.
	HTTPClient *http.Client
}

// NewClient creates and returns a new Epic FHIR API Client for the input
// baseURL, using the given authenticator.
func NewClient(baseURL string, authenticator Authenticator, opts *ClientOptions) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL %q: %w", baseURL, err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("base URL %q is not absolute", baseURL)
	}
	c := &Client{
		baseURL:       parsed.String(),
		pageSize:      defaultPageSize,
		httpClient:    &http.Client{},
		authenticator: authenticator,
	}
	if opts != nil {
		if opts.PageSize > 0 {
			c.pageSize = opts.PageSize
		}
		if opts.HTTPClient != nil {
			c.httpClient = opts.HTTPClient
		}
	}
	return c, nil
}

// Close is a placeholder for any cleanup actions needed for the Client. Please
// call this when finished with a Client.
func (c *Client) Close() error { return nil }

// Authenticate calls through to the Authenticator the client was built with to
// unconditionally perform credential exchange.
func (c *Client) Authenticate() error {
	return c.authenticator.Authenticate(c.httpClient)
}

// AuthenticateIfNecessary calls through to the Authenticator the client was
// built with to perform credential exchange if necessary.
func (c *Client) AuthenticateIfNecessary() error {
	return c.authenticator.AuthenticateIfNecessary(c.httpClient)
}

// doHTTP wraps a call to c.httpClient.Do to apply authentication.
func (c *Client) doHTTP(req *http.Request) (*http.Response, error) {
	if err := c.authenticator.AddAuthenticationToRequest(c.httpClient, req); err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// searchBundle is the subset of a FHIR searchset Bundle the client reads.
type searchBundle struct {
	Link []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
}

func (b *searchBundle) nextURL() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Search begins a paged search over all resources of the given type. If since
// is non-zero, the search is restricted to resources updated after it via the
// _lastUpdated parameter. Pages are fetched lazily by the returned iterator.
func (c *Client) Search(resourceType string, since time.Time) *SearchIterator {
	qParams := url.Values{}
	qParams.Set("_count", strconv.Itoa(c.pageSize))
	if !since.IsZero() {
		qParams.Set("_lastUpdated", "gt"+fhir.ToFHIRInstant(since))
	}
	return &SearchIterator{
		client:  c,
		nextURL: fmt.Sprintf("%s/%s?%s", c.baseURL, resourceType, qParams.Encode()),
	}
}

// A SearchIterator walks the pages of one search, following the Bundle's
// "next" link until the server stops providing one.
type SearchIterator struct {
	client  *Client
	nextURL string
}

// Done reports whether every page has been consumed.
func (it *SearchIterator) Done() bool { return it.nextURL == "" }

// URL returns the URL the next call to Next will fetch, or "" once the search
// is done. Useful for attributing resources to the page they came from.
func (it *SearchIterator) URL() string { return it.nextURL }

// Next fetches the next page and returns the raw JSON of each resource in it.
// It returns ErrorSearchExhausted once the search is done. On a retryable
// error the iterator is not advanced, so Next may be called again after the
// caller re-authenticates or backs off.
func (it *SearchIterator) Next(ctx context.Context) ([]json.RawMessage, error) {
	if it.Done() {
		return nil, ErrorSearchExhausted
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, it.nextURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add(acceptHeader, acceptHeaderFHIRJSON)

	resp, err := it.client.doHTTP(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrorUnauthorized
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, retryableNonOKError(resp.StatusCode)
	default:
		return nil, fmt.Errorf("unexpected non-OK http status code: %d %w", resp.StatusCode, ErrorUnexpectedStatusCode)
	}

	var bundle searchBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to decode search bundle: %w", err)
	}
	it.nextURL = bundle.nextURL()

	resources := make([]json.RawMessage, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		if len(entry.Resource) > 0 {
			resources = append(resources, entry.Resource)
		}
	}
	return resources, nil
}

// GetResource reads a single resource by type and id.
func (c *Client) GetResource(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s", c.baseURL, resourceType, id), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add(acceptHeader, acceptHeaderFHIRJSON)

	resp, err := c.doHTTP(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusUnauthorized:
		return nil, ErrorUnauthorized
	default:
		return nil, fmt.Errorf("unexpected non-OK http status code: %d %w", resp.StatusCode, ErrorUnexpectedStatusCode)
	}
}

func retryableNonOKError(code int) error {
	return fmt.Errorf("unexpected non-OK http status code: %d %w", code, ErrorRetryableHTTPStatus)
}
