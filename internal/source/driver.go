package source

import (
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/floorsheet-harvester/internal/browser"
)

// Driver is the subset of page automation the browser source needs.
type Driver interface {
	Navigate(url string) error
	SelectOption(selector, value string) error
	Click(selector string) error
	InputValue(selector string) (string, error)
	Content() (string, error)
	Evaluate(expression string, arg interface{}) (interface{}, error)
	WaitForFunction(expression string, arg interface{}, timeout time.Duration) error
	WaitForSelector(selector string, timeout time.Duration) error
}

// PlaywrightDriver drives a playwright page.
type PlaywrightDriver struct {
	browser *browser.Browser
	page    playwright.Page
	retries int
}

func NewPlaywrightDriver(b *browser.Browser, retries int) (*PlaywrightDriver, error) {
	page, err := b.NewPage()
	if err != nil {
		return nil, err
	}
	if retries < 1 {
		retries = 3
	}
	return &PlaywrightDriver{browser: b, page: page, retries: retries}, nil
}

func (d *PlaywrightDriver) Navigate(url string) error {
	return d.browser.NavigateWithRetry(d.page, url, d.retries)
}

func (d *PlaywrightDriver) SelectOption(selector, value string) error {
	_, err := d.page.Locator(selector).First().SelectOption(playwright.SelectOptionValues{
		Values: playwright.StringSlice(value),
	})
	if err != nil {
		return fmt.Errorf("failed to select %q in %s: %w", value, selector, err)
	}
	return nil
}

func (d *PlaywrightDriver) Click(selector string) error {
	if err := d.page.Locator(selector).First().Click(); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

func (d *PlaywrightDriver) InputValue(selector string) (string, error) {
	return d.page.Locator(selector).First().InputValue()
}

func (d *PlaywrightDriver) Content() (string, error) {
	return d.page.Content()
}

func (d *PlaywrightDriver) Evaluate(expression string, arg interface{}) (interface{}, error) {
	return d.page.Evaluate(expression, arg)
}

func (d *PlaywrightDriver) WaitForFunction(expression string, arg interface{}, timeout time.Duration) error {
	_, err := d.page.WaitForFunction(expression, arg, playwright.PageWaitForFunctionOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return err
}

func (d *PlaywrightDriver) WaitForSelector(selector string, timeout time.Duration) error {
	return d.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (d *PlaywrightDriver) Close() error {
	return d.page.Close()
}
