package sources

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
)

// ChromeOptions configures the headless Chrome driver
type ChromeOptions struct {
	Headless  bool
	ExecPath  string
	UserAgent string
}

// ChromeBrowser drives a local Chrome through the DevTools protocol
type ChromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// NewChromeBrowserFactory returns a BrowserFactory starting one Chrome per session
func NewChromeBrowserFactory(opts ChromeOptions) BrowserFactory {
	return func(ctx context.Context, downloadDir string) (Browser, error) {
		return NewChromeBrowser(ctx, downloadDir, opts)
	}
}

// NewChromeBrowser starts Chrome with downloads allowed into downloadDir
func NewChromeBrowser(ctx context.Context, downloadDir string, opts ChromeOptions) (*ChromeBrowser, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	b := &ChromeBrowser{ctx: browserCtx, cancel: cancel, allocCancel: allocCancel}
	// The browser is allocated by the first Run and lives as long as that context.
	if err := chromedp.Run(browserCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}
	err := b.run(ctx, browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
		WithDownloadPath(downloadDir).
		WithEventsEnabled(true))
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to enable downloads: %w", err)
	}
	return b, nil
}

// run executes actions on the browser tab, bounded by ctx's deadline and cancellation.
// Cancelling the derived context aborts the actions but keeps the tab open.
func (b *ChromeBrowser) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url in the tab and waits for the page load event
func (b *ChromeBrowser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx, chromedp.Navigate(url))
}

// WaitVisible blocks until the first element matching the CSS selector is displayed
func (b *ChromeBrowser) WaitVisible(ctx context.Context, selector string) error {
	return b.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// SetValue writes value into the input matched by the CSS selector
func (b *ChromeBrowser) SetValue(ctx context.Context, selector, value string) error {
	return b.run(ctx, chromedp.SetValue(selector, value, chromedp.ByQuery))
}

// Click waits for the element matched by the CSS selector to be visible, then clicks it
func (b *ChromeBrowser) Click(ctx context.Context, selector string) error {
	return b.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// Close shuts the tab and the Chrome process
func (b *ChromeBrowser) Close() error {
	b.cancel()
	b.allocCancel()
	return nil
}
