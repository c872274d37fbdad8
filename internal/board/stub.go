package board

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// =============================================================================
// STUB SERVER
// =============================================================================

// StubServer simulates the remote API for tests without opening a network
// listener. It answers mutation documents with sequential ids per alias and
// lets tests script failures ahead of time.
type StubServer struct {
	mu        sync.Mutex
	calls     []StubCall
	scripted  []scripted
	creates   map[string]int
	nextGroup int
	nextItem  int
	nextSub   int
}

// StubCall captures one request as the stub saw it.
type StubCall struct {
	Raw     []byte
	Parsed  apiRequest
	Aliases []string
	Field   string
	Header  http.Header
}

type scripted struct {
	status int
	body   string
	header http.Header
	err    error
}

// NewStubServer creates a stub with no scripted responses; every call
// succeeds with generated ids until told otherwise.
func NewStubServer() *StubServer {
	return &StubServer{creates: make(map[string]int)}
}

// Enqueue scripts the next response with the given status and raw body.
// Scripted responses are consumed in order before default behavior resumes.
func (s *StubServer) Enqueue(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted = append(s.scripted, scripted{status: status, body: body})
}

// EnqueueRetryAfter scripts a response carrying a Retry-After header.
func (s *StubServer) EnqueueRetryAfter(status int, body string, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make(http.Header)
	h.Set("Retry-After", strconv.Itoa(int(after/time.Second)))
	s.scripted = append(s.scripted, scripted{status: status, body: body, header: h})
}

// EnqueueError scripts a transport-level failure for the next call.
func (s *StubServer) EnqueueError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted = append(s.scripted, scripted{err: err})
}

// Calls reports how many requests reached the stub.
func (s *StubServer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// LastCall returns the most recent captured request.
func (s *StubServer) LastCall() (StubCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return StubCall{}, false
	}
	return s.calls[len(s.calls)-1], true
}

// GroupCreates reports how many create_group calls named the given group.
func (s *StubServer) GroupCreates(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates[name]
}

// Transport returns a RoundTripper that routes requests into the stub.
func (s *StubServer) Transport() http.RoundTripper {
	return stubRoundTripper{server: s}
}

type stubRoundTripper struct {
	server *StubServer
}

func (rt stubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.server.roundTrip(req)
}

var aliasPattern = regexp.MustCompile(`(op\d+):\s*(\w+)\(`)

func (s *StubServer) roundTrip(req *http.Request) (*http.Response, error) {
	raw, _ := io.ReadAll(req.Body)

	call := StubCall{Raw: raw, Header: req.Header.Clone()}
	_ = json.Unmarshal(raw, &call.Parsed)
	for _, m := range aliasPattern.FindAllStringSubmatch(call.Parsed.Query, -1) {
		call.Aliases = append(call.Aliases, m[1])
		call.Field = m[2]
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	var next *scripted
	if len(s.scripted) > 0 {
		next = &s.scripted[0]
		s.scripted = s.scripted[1:]
	}
	s.mu.Unlock()

	if next != nil {
		if next.err != nil {
			return nil, next.err
		}
		rec := httptest.NewRecorder()
		for k, vs := range next.header {
			for _, v := range vs {
				rec.Header().Add(k, v)
			}
		}
		rec.Header().Set("Content-Type", "application/json")
		rec.WriteHeader(next.status)
		_, _ = rec.WriteString(next.body)
		return rec.Result(), nil
	}

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, s.defaultEnvelope(call))
	return rec.Result(), nil
}

// defaultEnvelope answers every alias in the document with a fresh id, or
// echoes the item id back for updates.
func (s *StubServer) defaultEnvelope(call StubCall) apiEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := make(map[string]aliasPayload, len(call.Aliases))
	for _, alias := range call.Aliases {
		k := alias[len("op"):]
		var id string
		switch call.Field {
		case "create_group":
			s.nextGroup++
			id = fmt.Sprintf("grp-%d", s.nextGroup)
			if name, ok := call.Parsed.Variables["name"+k].(string); ok {
				s.creates[name]++
			}
		case "create_subitem":
			s.nextSub++
			id = fmt.Sprintf("sub-%d", s.nextSub)
		case "update_item", "update_subitem":
			id, _ = call.Parsed.Variables["item"+k].(string)
		default:
			s.nextItem++
			id = fmt.Sprintf("itm-%d", s.nextItem)
		}
		data[alias] = aliasPayload{ID: id}
	}
	return apiEnvelope{Data: data}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
