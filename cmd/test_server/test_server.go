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

// Binary test_server is a HTTP server which serves (part of) an Epic-style
// FHIR R4 search interface, for integration testing of epic_fhir_etl without
// access to a real Epic environment. It serves synthetic Bronze-quality
// Patient, Observation and Encounter resources with the kinds of defects the
// quality tier transformations repair: missing statuses, bare reference ids
// and malformed dateTimes.
//
// The token endpoint implements the SMART Backend Services flow far enough to
// exercise the client: it expects a client_credentials grant carrying a JWT
// client assertion whose issuer matches the --client_id flag.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

var (
	port          = flag.Int("port", 8000, "Port to listen on")
	clientID      = flag.String("client_id", "", "The client ID this server should accept as the issuer of client assertions. If empty, any issuer is accepted.")
	resourceCount = flag.Int("resource_count", 20, "How many resources of each type to serve")
)

// token represents the only valid token this server recognizes in
// authenticated requests.
const token = "thisisthetoken"

const (
	authorizationHeader = "Authorization"
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

type server struct {
	baseURL       string
	validClientID string

	// resources maps type -> id -> raw resource JSON, with ids maps type ->
	// ids in insertion order for stable paging.
	resources map[string]map[string]string
	ids       map[string][]string
}

const errorFormat = `{
 "resourceType": "OperationOutcome",
 "id": "1",
 "issue": [
  {
   "severity": "error",
   "code": "processing",
   "details": {
    "text": "%s"
   }
  }
 ]
}`

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(code)
	fmt.Fprintf(w, errorFormat, message)
}

func (s *server) getToken(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	if err := req.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form body.")
		return
	}
	if got := req.PostForm.Get("grant_type"); got != "client_credentials" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported grant type %q.", got))
		return
	}
	if got := req.PostForm.Get("client_assertion_type"); got != clientAssertionType {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported client assertion type %q.", got))
		return
	}

	// The assertion signature cannot be verified without the client's
	// registered public key, so only the claims are checked here.
	assertion := req.PostForm.Get("client_assertion")
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err != nil {
		writeError(w, http.StatusUnauthorized, "Could not parse client assertion.")
		return
	}
	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		writeError(w, http.StatusUnauthorized, "Client assertion is missing an issuer.")
		return
	}
	if s.validClientID != "" && issuer != s.validClientID {
		writeError(w, http.StatusUnauthorized, "Invalid client ID.")
		return
	}
	if jti, ok := claims["jti"].(string); !ok || jti == "" {
		writeError(w, http.StatusUnauthorized, "Client assertion is missing a jti.")
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(fmt.Sprintf(`{"access_token": "%s", "token_type": "bearer", "expires_in": 1200}`, token)))
}

func (s *server) search(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	resourceType := ps.ByName("resourceType")
	ids, ok := s.ids[resourceType]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Resource type %s not supported", resourceType))
		return
	}

	count := 10
	if c := req.URL.Query().Get("_count"); c != "" {
		parsed, err := strconv.Atoi(c)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid _count %q", c))
			return
		}
		count = parsed
	}
	offset := 0
	if o := req.URL.Query().Get("_offset"); o != "" {
		parsed, err := strconv.Atoi(o)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid _offset %q", o))
			return
		}
		offset = parsed
	}

	end := offset + count
	if end > len(ids) {
		end = len(ids)
	}
	entries := ""
	for i := offset; i < end; i++ {
		if entries != "" {
			entries += ","
		}
		entries += fmt.Sprintf(`{"fullUrl":"%s/%s/%s","resource":%s}`, s.baseURL, resourceType, ids[i], s.resources[resourceType][ids[i]])
	}
	links := ""
	if end < len(ids) {
		q := req.URL.Query()
		q.Set("_offset", strconv.Itoa(end))
		q.Set("_count", strconv.Itoa(count))
		links = fmt.Sprintf(`{"relation":"next","url":"%s/%s?%s"}`, s.baseURL, resourceType, q.Encode())
	}

	w.Header().Set("Content-Type", "application/fhir+json")
	fmt.Fprintf(w, `{"resourceType":"Bundle","type":"searchset","total":%d,"link":[%s],"entry":[%s]}`, len(ids), links, entries)
}

func (s *server) read(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	resourceType := ps.ByName("resourceType")
	id := ps.ByName("id")
	resource, ok := s.resources[resourceType][id]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s/%s not found", resourceType, id))
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.Write([]byte(resource))
}

func requiresAuth(handle httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		if gotToken := req.Header.Get(authorizationHeader); gotToken != fmt.Sprintf("Bearer %s", token) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		handle(w, req, ps)
	}
}

// populate generates count synthetic Bronze resources of each supported type.
// Every third resource of a type gets the defect its Silver repair targets.
func (s *server) populate(count int) {
	s.resources = map[string]map[string]string{}
	s.ids = map[string][]string{}
	patientIDs := s.populateType("Patient", count, func(i int, id string) string {
		name := `[{"use":"official","family":"Doe","given":["Jane"]}]`
		if i%3 == 0 {
			// Name missing a use, with only a family name.
			name = `[{"family":"Doe"}]`
		}
		return fmt.Sprintf(`{"resourceType":"Patient","id":"%s","name":%s,"gender":"female","birthDate":"1970-01-0%d"}`, id, name, i%9+1)
	})
	s.populateType("Observation", count, func(i int, id string) string {
		status := `"status":"final",`
		subject := fmt.Sprintf(`{"reference":"Patient/%s"}`, patientIDs[i%len(patientIDs)])
		if i%3 == 0 {
			// Missing status, and a bare id in the subject reference.
			status = ""
			subject = fmt.Sprintf(`{"reference":"%s"}`, patientIDs[i%len(patientIDs)])
		}
		return fmt.Sprintf(`{"resourceType":"Observation","id":"%s",%s"code":{"coding":[{"system":"http://loinc.org","code":"2339-0","display":"Glucose"}]},"subject":%s,"valueQuantity":{"value":%d,"unit":"mg/dL"}}`, id, status, subject, 80+i)
	})
	s.populateType("Encounter", count, func(i int, id string) string {
		status := `"status":"finished",`
		period := fmt.Sprintf(`{"start":"2024-04-%02dT09:00:00Z","end":"2024-04-%02dT09:30:00Z"}`, i%28+1, i%28+1)
		if i%3 == 0 {
			// An invalid status code and a space instead of the T separator.
			status = `"status":"active",`
			period = fmt.Sprintf(`{"start":"2024-04-%02d 09:00:00","end":"2024-04-%02dT09:30:00Z"}`, i%28+1, i%28+1)
		}
		return fmt.Sprintf(`{"resourceType":"Encounter","id":"%s",%s"class":{"system":"http://terminology.hl7.org/CodeSystem/v3-ActCode","code":"AMB"},"subject":{"reference":"Patient/%s"},"period":%s}`, id, status, patientIDs[i%len(patientIDs)], period)
	})
}

func (s *server) populateType(resourceType string, count int, build func(i int, id string) string) []string {
	s.resources[resourceType] = map[string]string{}
	for i := 0; i < count; i++ {
		id := uuid.New().String()
		s.resources[resourceType][id] = build(i, id)
		s.ids[resourceType] = append(s.ids[resourceType], id)
	}
	return s.ids[resourceType]
}

func (s *server) registerHandlers() *httprouter.Router {
	r := httprouter.New()
	r.POST("/oauth2/token", s.getToken)
	r.GET("/:resourceType", requiresAuth(s.search))
	r.GET("/:resourceType/:id", requiresAuth(s.read))
	return r
}

func main() {
	flag.Parse()

	srv := &server{
		baseURL:       fmt.Sprintf("http://localhost:%d", *port),
		validClientID: *clientID,
	}
	srv.populate(*resourceCount)

	if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), srv.registerHandlers()); err != nil {
		log.Fatal(err)
	}
}
