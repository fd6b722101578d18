package httputil

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// HTTPClient abstracts the HTTP operations used by background
// fetchers, so they can be tested without a network.
type HTTPClient interface {
	Get(url string) (*http.Response, error)
	Head(url string) (*http.Response, error)
}

// StandardClient wraps *http.Client to implement HTTPClient.
type StandardClient struct {
	*http.Client
}

// NewStandardClient creates a StandardClient wrapping the given
// http.Client; nil means http.DefaultClient.
func NewStandardClient(c *http.Client) *StandardClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &StandardClient{Client: c}
}

func (c *StandardClient) Get(url string) (*http.Response, error) {
	return c.Client.Get(url)
}

func (c *StandardClient) Head(url string) (*http.Response, error) {
	return c.Client.Head(url)
}

// MockHTTPClient returns canned responses in order and records the
// URLs it was asked for.
type MockHTTPClient struct {
	mu        sync.Mutex
	URLs      []string
	Responses []*MockResponse
	next      int
}

// MockResponse defines a canned HTTP response for testing.
type MockResponse struct {
	StatusCode int
	Body       string
	Error      error
}

// NewMockHTTPClient creates an empty mock client.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a response to be returned by the next request.
func (m *MockHTTPClient) AddResponse(statusCode int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, &MockResponse{StatusCode: statusCode, Body: body})
	return m
}

// AddErrorResponse queues a transport error.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, &MockResponse{Error: err})
	return m
}

func (m *MockHTTPClient) serve(url string) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.URLs = append(m.URLs, url)
	if m.next >= len(m.Responses) {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(bytes.NewReader(nil)),
		}, nil
	}
	r := m.Responses[m.next]
	m.next++
	if r.Error != nil {
		return nil, r.Error
	}
	return &http.Response{
		StatusCode: r.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(r.Body)),
	}, nil
}

func (m *MockHTTPClient) Get(url string) (*http.Response, error) {
	return m.serve(url)
}

func (m *MockHTTPClient) Head(url string) (*http.Response, error) {
	return m.serve(url)
}
