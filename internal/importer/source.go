package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Page is one page of raw records from the external bookkeeping source.
type Page struct {
	Data []map[string]any `json:"data"`
	Meta PageMeta         `json:"meta"`
}

type PageMeta struct {
	NextPage   *int `json:"nextPage"`
	TotalPages int  `json:"totalPages"`
}

// Last reports end-of-pagination per the source contract: a null nextPage or
// the current page reaching totalPages.
func (p *Page) Last(current int) bool {
	return p.Meta.NextPage == nil || current >= p.Meta.TotalPages
}

// Source fetches pages of raw records from the external platform.
type Source interface {
	Name() string
	FetchPage(ctx context.Context, since, until time.Time, page, pageSize int) (*Page, error)
}

// FetchError is a page-level fetch failure (network, auth, timeout). It is
// retryable up to the run's backoff policy.
type FetchError struct {
	Page   int
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch page %d: status %d", e.Page, e.Status)
	}
	return fmt.Sprintf("fetch page %d: %v", e.Page, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPSource talks to the bookkeeping platform's paginated records endpoint,
// authenticating with the platform's two static header tokens.
type HTTPSource struct {
	name        string
	baseURL     string
	accessToken string
	secretToken string
	pageTimeout time.Duration
	client      *http.Client
}

func NewHTTPSource(name, baseURL, accessToken, secretToken string, pageTimeout time.Duration) *HTTPSource {
	return &HTTPSource{
		name:        name,
		baseURL:     baseURL,
		accessToken: accessToken,
		secretToken: secretToken,
		pageTimeout: pageTimeout,
		client:      &http.Client{},
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) FetchPage(ctx context.Context, since, until time.Time, page, pageSize int) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, s.pageTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("since", since.Format("2006-01-02"))
	q.Set("until", until.Format("2006-01-02"))
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/records?"+q.Encode(), nil)
	if err != nil {
		return nil, &FetchError{Page: page, Err: err}
	}
	req.Header.Set("access-token", s.accessToken)
	req.Header.Set("secret-access-token", s.secretToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{Page: page, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Page: page, Status: resp.StatusCode}
	}

	var p Page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, &FetchError{Page: page, Err: fmt.Errorf("decode: %w", err)}
	}
	return &p, nil
}
