package source

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/maltedev/floorsheet-harvester/internal/harvester"
	"github.com/maltedev/floorsheet-harvester/internal/models"
)

// pageResponse is the JSON document served per page.
type pageResponse struct {
	Rows [][]string `json:"rows"`
	// Last is omitted by servers that cannot tell.
	Last *bool `json:"last,omitempty"`
	Size int   `json:"size,omitempty"`
}

type HTTPConfig struct {
	URL       string
	PageParam string
	SizeParam string
	Timeout   time.Duration
	Headers   map[string]string
}

// HTTPSource pages through a JSON endpoint using query parameters. Its
// cursor only moves on Advance.
type HTTPSource struct {
	client *resty.Client
	cfg    HTTPConfig
	logger *slog.Logger

	mu       sync.Mutex
	current  int
	pageSize int
	last     *bool
}

func NewHTTPSource(cfg HTTPConfig, logger *slog.Logger) *HTTPSource {
	if cfg.PageParam == "" {
		cfg.PageParam = "page"
	}
	if cfg.SizeParam == "" {
		cfg.SizeParam = "size"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeaders(cfg.Headers)

	return &HTTPSource{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "http_source"),
		current: 1,
	}
}

// Configure records the page size sent with every request.
func (s *HTTPSource) Configure(ctx context.Context, pageSize int) (harvester.ConfigureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pageSize = pageSize
	return harvester.ConfigureOK, nil
}

func (s *HTTPSource) FetchPage(ctx context.Context, index int) (models.RawPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := map[string]string{s.cfg.PageParam: strconv.Itoa(s.current)}
	if s.pageSize > 0 {
		params[s.cfg.SizeParam] = strconv.Itoa(s.pageSize)
	}

	var body pageResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&body).
		Get(s.cfg.URL)
	if err != nil {
		return models.RawPage{}, fmt.Errorf("failed to request page %d: %w", s.current, err)
	}
	if resp.IsError() {
		return models.RawPage{}, fmt.Errorf("page %d returned status %d", s.current, resp.StatusCode())
	}

	if body.Size > 0 && s.pageSize > 0 && body.Size != s.pageSize {
		s.logger.Warn("Server applied a different page size", "want", s.pageSize, "got", body.Size)
	}
	s.last = body.Last

	rows := make([]models.RawRow, 0, len(body.Rows))
	for _, r := range body.Rows {
		rows = append(rows, models.RawRow(r))
	}
	return models.RawPage{Index: index, Rows: rows, FetchedAt: time.Now().UTC()}, nil
}

func (s *HTTPSource) HasNext(ctx context.Context) (harvester.NextSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.last == nil:
		return harvester.NextUnknown, nil
	case *s.last:
		return harvester.NextNo, nil
	default:
		return harvester.NextYes, nil
	}
}

func (s *HTTPSource) Advance(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current++
	s.last = nil
	return nil
}
