package onsgeo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Service fetches LSOA boundary pages and the authoritative record count
// from the ONS geoportal. It holds no state beyond its HTTP session.
type Service struct {
	config     Config
	logger     logrus.FieldLogger
	httpClient *retryablehttp.Client
}

// Option customises a Service.
type Option func(*options)

type options struct {
	onRetry func(req *http.Request, attempt int)
}

// WithRetryHook registers a callback invoked before every retry attempt.
func WithRetryHook(fn func(req *http.Request, attempt int)) Option {
	return func(o *options) {
		o.onRetry = fn
	}
}

// New creates a new geoportal fetch service. The config is copied; later
// changes by the caller have no effect.
func New(cfg Config, logger logrus.FieldLogger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := logger.WithField("component", "onsgeo")

	return &Service{
		config:     cfg,
		logger:     log,
		httpClient: newRetryClient(&cfg, log, o.onRetry),
	}, nil
}

// FetchPage fetches pageSize records starting at offset.
func (s *Service) FetchPage(ctx context.Context, offset, pageSize int) (*Page, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must be non-negative, got %d", offset)
	}

	if pageSize <= 0 || pageSize > MaxPageSize {
		return nil, fmt.Errorf("page size must be between 1 and %d, got %d", MaxPageSize, pageSize)
	}

	reqURL, err := pageURL(s.config.Endpoint, offset, pageSize)
	if err != nil {
		return nil, err
	}

	header, body, err := s.get(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	contentType := header.Get("Content-Type")
	if !isJSONContentType(contentType) {
		return nil, &ResponseFormatError{
			URL:         reqURL,
			ContentType: contentType,
			Reason:      "expected a JSON document",
		}
	}

	var envelope pageEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ResponseFormatError{
			URL:         reqURL,
			ContentType: contentType,
			Reason:      "page is not a JSON object",
			Err:         err,
		}
	}

	page := &Page{
		Offset:                offset,
		Size:                  pageSize,
		Body:                  body,
		ExceededTransferLimit: envelope.exceeded(),
	}

	s.logger.WithFields(logrus.Fields{
		"offset":   offset,
		"size":     pageSize,
		"bytes":    len(body),
		"exceeded": page.ExceededTransferLimit,
	}).Debug("Fetched page")

	return page, nil
}

// FetchTotalCount fetches the authoritative number of LSOA records.
// The endpoint answers with a body like {"count":34753}.
func (s *Service) FetchTotalCount(ctx context.Context) (int, error) {
	_, body, err := s.get(ctx, s.config.CountEndpoint)
	if err != nil {
		return 0, err
	}

	count, err := parseCount(string(body))
	if err != nil {
		return 0, &ResponseFormatError{
			URL:    s.config.CountEndpoint,
			Reason: "record count is not an integer",
			Err:    err,
		}
	}

	s.logger.WithField("count", count).Debug("Fetched record count")

	return count, nil
}

// get performs a GET through the retry layer and returns headers and body
// of a successful response.
func (s *Service) get(ctx context.Context, reqURL string) (http.Header, []byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// A cancelled context still hands back the last response.
		if resp != nil {
			resp.Body.Close()
		}

		return nil, nil, fmt.Errorf("fetch %s: %w", reqURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &ResponseStatusError{
			URL:        reqURL,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	return resp.Header, body, nil
}

// pageURL merges the paging parameters into the endpoint's existing query.
func pageURL(endpoint string, offset, pageSize int) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	q := u.Query()
	q.Set(paramResultOffset, strconv.Itoa(offset))
	q.Set(paramResultRecordCount, strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	return mediaType == "application/json" ||
		mediaType == "application/geo+json" ||
		strings.HasSuffix(mediaType, "+json")
}

// parseCount extracts the integer from a body ending in ": <int>}".
func parseCount(body string) (int, error) {
	trimmed := strings.TrimSpace(body)
	trimmed = strings.TrimSuffix(trimmed, "}")

	parts := strings.Split(trimmed, ":")
	last := strings.TrimSpace(parts[len(parts)-1])

	count, err := strconv.Atoi(last)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", last, err)
	}

	if count < 0 {
		return 0, fmt.Errorf("negative count %d", count)
	}

	return count, nil
}
