package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collabSync/backend/internal/breaker"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/identity"
)

var ErrNotFound = errors.New("store: document not found")

// HTTPDocumentStore is the client side of the relay's document routes.
type HTTPDocumentStore struct {
	baseURL string
	id      identity.Provider
	client  *http.Client
	guard   *breaker.Guard
}

var _ collab.DocumentStore = (*HTTPDocumentStore)(nil)

type HTTPOption func(*HTTPDocumentStore)

func WithHTTPClient(c *http.Client) HTTPOption { return func(s *HTTPDocumentStore) { s.client = c } }

// WithGuard runs every request through g.
func WithGuard(g *breaker.Guard) HTTPOption { return func(s *HTTPDocumentStore) { s.guard = g } }

// NewHTTPDocumentStore talks to baseURL, e.g. "http://localhost:8081".
func NewHTTPDocumentStore(baseURL string, id identity.Provider, opts ...HTTPOption) *HTTPDocumentStore {
	s := &HTTPDocumentStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		id:      id,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type saveRequest struct {
	Content string `json:"content"`
	Version uint64 `json:"version"`
}

func (s *HTTPDocumentStore) Load(ctx context.Context, documentID string) (collab.Document, error) {
	var doc collab.Document
	err := s.run(ctx, func(ctx context.Context) error {
		return s.do(ctx, http.MethodGet, documentID, nil, &doc)
	})
	return doc, err
}

func (s *HTTPDocumentStore) Save(ctx context.Context, doc collab.Document) error {
	body, err := json.Marshal(saveRequest{Content: doc.Content, Version: doc.Version})
	if err != nil {
		return err
	}
	return s.run(ctx, func(ctx context.Context) error {
		return s.do(ctx, http.MethodPut, doc.ID, body, nil)
	})
}

func (s *HTTPDocumentStore) run(ctx context.Context, op func(ctx context.Context) error) error {
	if s.guard == nil {
		return op(ctx)
	}
	return s.guard.Execute(ctx, op)
}

func (s *HTTPDocumentStore) do(ctx context.Context, method, documentID string, body []byte, out any) error {
	u := s.baseURL + "/collab/documents/" + url.PathEscape(documentID)
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.id != nil && s.id.Token() != "" {
		req.Header.Set("Authorization", "Bearer "+s.id.Token())
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&e)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, documentID)
		}
		return &breaker.StatusError{Code: resp.StatusCode, Err: fmt.Errorf("%s %s: %s", method, documentID, e.Error)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
