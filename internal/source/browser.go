package source

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/floorsheet-harvester/internal/harvester"
	"github.com/maltedev/floorsheet-harvester/internal/models"
	"github.com/maltedev/floorsheet-harvester/internal/parser"
)

const DefaultFloorSheetURL = "https://nepalstock.com.np/floor-sheet"

// Selectors locate the controls of a paginated table page.
type Selectors struct {
	PageSize string
	Search   string
	Rows     string
	// Next is the pagination list item; its anchor is the clickable
	// control.
	Next string
	// FirstContract is the cell watched for a content change after
	// advancing.
	FirstContract string
}

func DefaultSelectors() Selectors {
	return Selectors{
		PageSize:      "div.box__filter--field select",
		Search:        "button.box__filter--search",
		Rows:          parser.DefaultRowSelector,
		Next:          "li.pagination-next",
		FirstContract: parser.DefaultRowSelector + " td:nth-child(2)",
	}
}

type BrowserConfig struct {
	URL       string
	Selectors Selectors
	// RenderTimeout bounds waits for the table to render or change.
	RenderTimeout time.Duration
}

// BrowserSource reads a rendered floor sheet table through a Driver.
type BrowserSource struct {
	driver    Driver
	parser    parser.TableParser
	cfg       BrowserConfig
	logger    *slog.Logger
	navigated bool
}

func NewBrowserSource(driver Driver, cfg BrowserConfig, logger *slog.Logger) *BrowserSource {
	if cfg.URL == "" {
		cfg.URL = DefaultFloorSheetURL
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserSource{
		driver: driver,
		parser: parser.NewHTMLTableParser(cfg.Selectors.Rows),
		cfg:    cfg,
		logger: logger.With("component", "browser_source"),
	}
}

func (s *BrowserSource) open(ctx context.Context) error {
	if s.navigated {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("Opening floor sheet", "url", s.cfg.URL)
	if err := s.driver.Navigate(s.cfg.URL); err != nil {
		return fmt.Errorf("failed to open %s: %w", s.cfg.URL, err)
	}
	s.navigated = true
	return nil
}

// Configure selects the rows-per-page option and submits the filter.
func (s *BrowserSource) Configure(ctx context.Context, pageSize int) (harvester.ConfigureResult, error) {
	if err := s.open(ctx); err != nil {
		return harvester.ConfigureDegraded, err
	}

	sel := s.cfg.Selectors
	want := strconv.Itoa(pageSize)

	if err := s.driver.WaitForSelector(sel.PageSize, s.cfg.RenderTimeout); err != nil {
		return harvester.ConfigureDegraded, fmt.Errorf("page size control not found: %w", err)
	}
	if err := s.driver.SelectOption(sel.PageSize, want); err != nil {
		return harvester.ConfigureDegraded, err
	}
	if err := s.driver.Click(sel.Search); err != nil {
		return harvester.ConfigureDegraded, err
	}
	if err := s.driver.WaitForSelector(sel.Rows, s.cfg.RenderTimeout); err != nil {
		s.logger.Warn("Table did not render after applying filter", "error", err)
	}

	got, err := s.driver.InputValue(sel.PageSize)
	if err != nil {
		return harvester.ConfigureDegraded, fmt.Errorf("failed to read page size: %w", err)
	}
	if strings.TrimSpace(got) != want {
		s.logger.Warn("Page size not applied", "want", want, "got", got)
		return harvester.ConfigureDegraded, nil
	}
	return harvester.ConfigureOK, nil
}

// FetchPage parses the currently displayed table. A page without rows is
// returned empty, not as an error.
func (s *BrowserSource) FetchPage(ctx context.Context, index int) (models.RawPage, error) {
	if err := s.open(ctx); err != nil {
		return models.RawPage{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.RawPage{}, err
	}

	if err := s.driver.WaitForSelector(s.cfg.Selectors.Rows, s.cfg.RenderTimeout); err != nil {
		s.logger.Debug("No table rows rendered", "page", index, "error", err)
	}

	html, err := s.driver.Content()
	if err != nil {
		return models.RawPage{}, fmt.Errorf("failed to read page content: %w", err)
	}

	rows, err := s.parser.ParseRows(html)
	if err != nil {
		return models.RawPage{}, fmt.Errorf("failed to parse table: %w", err)
	}

	return models.RawPage{Index: index, Rows: rows, FetchedAt: time.Now().UTC()}, nil
}

const hasNextJS = `(sel) => {
	const li = document.querySelector(sel);
	if (!li) return "unknown";
	const a = li.querySelector("a");
	if (!a || li.classList.contains("disabled") || a.classList.contains("disabled")) return "no";
	return "yes";
}`

const firstContractJS = `(sel) => {
	const cell = document.querySelector(sel);
	return cell ? cell.textContent.trim() : "";
}`

const contentChangedJS = `([sel, prev]) => {
	const cell = document.querySelector(sel);
	return !!cell && cell.textContent.trim() !== prev;
}`

func (s *BrowserSource) HasNext(ctx context.Context) (harvester.NextSignal, error) {
	if err := ctx.Err(); err != nil {
		return harvester.NextUnknown, err
	}

	v, err := s.driver.Evaluate(hasNextJS, s.cfg.Selectors.Next)
	if err != nil {
		return harvester.NextUnknown, fmt.Errorf("failed to inspect pagination: %w", err)
	}

	switch v {
	case "yes":
		return harvester.NextYes, nil
	case "no":
		return harvester.NextNo, nil
	default:
		return harvester.NextUnknown, nil
	}
}

// Advance clicks the next control and waits for the first contract on
// the table to change. A wait timeout is logged and left to the overlap
// rule.
func (s *BrowserSource) Advance(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sel := s.cfg.Selectors
	prev := ""
	if v, err := s.driver.Evaluate(firstContractJS, sel.FirstContract); err == nil {
		prev, _ = v.(string)
	}

	if err := s.driver.Click(sel.Next + " > a"); err != nil {
		return err
	}

	err := s.driver.WaitForFunction(contentChangedJS, []string{sel.FirstContract, prev}, s.cfg.RenderTimeout)
	if err != nil {
		s.logger.Warn("Table content did not change after advancing",
			"first_contract", prev,
			"error", err)
	}
	return nil
}
