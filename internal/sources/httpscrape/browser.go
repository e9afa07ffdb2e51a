// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httpscrape

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
)

// pageRenderer renders a page with JavaScript enabled. The chromedp
// implementation is only invoked for templates that opt into the browser
// fallback; tests substitute a fake.
type pageRenderer interface {
	Render(ctx context.Context, pageURL string, expandCycles int) (string, error)
}

// clickExpanders reveals download sections hidden behind "show links"
// toggles before the page is captured.
const clickExpanders = `
(() => {
  const labels = ['show link', 'show links', 'download', 'unlock', 'reveal'];
  let clicked = 0;
  document.querySelectorAll('a, button, span, div').forEach(el => {
    const text = (el.textContent || '').trim().toLowerCase();
    if (labels.some(l => text === l || text.startsWith(l + ' '))) {
      try { el.click(); clicked++; } catch (e) {}
    }
  });
  return clicked;
})()
`

type chromedpRenderer struct {
	timeout time.Duration
}

func newChromedpRenderer(timeout time.Duration) *chromedpRenderer {
	return &chromedpRenderer{timeout: timeout}
}

func (r *chromedpRenderer) Render(ctx context.Context, pageURL string, expandCycles int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	tasks := chromedp.Tasks{
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
	}
	for range expandCycles {
		tasks = append(tasks,
			chromedp.Evaluate(clickExpanders, nil),
			chromedp.Sleep(400*time.Millisecond),
		)
	}

	var rendered string
	tasks = append(tasks, chromedp.OuterHTML("html", &rendered))
	if err := chromedp.Run(browserCtx, tasks); err != nil {
		return "", err
	}
	return rendered, nil
}
