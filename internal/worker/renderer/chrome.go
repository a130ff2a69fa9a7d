package renderer

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"mediaq/internal/pkg/errors"
)

// Chrome renders with a local headless Chrome, one browser per request.
type Chrome struct {
	execPath string
}

func NewChrome(execPath string) *Chrome {
	return &Chrome{execPath: execPath}
}

func (c *Chrome) Render(ctx context.Context, r Request) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.WindowSize(r.Width, r.Height),
	)
	if c.execPath != "" {
		opts = append(opts, chromedp.ExecPath(c.execPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	if err := chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(r.Width), int64(r.Height))); err != nil {
		return nil, classifyBrowserError(ctx, err, "start browser")
	}

	if err := c.load(tabCtx, r); err != nil {
		return nil, classifyBrowserError(ctx, err, "load page")
	}

	var buf []byte
	if err := chromedp.Run(tabCtx, captureAction(r, &buf)); err != nil {
		return nil, classifyBrowserError(ctx, err, "capture "+r.Format)
	}
	if len(buf) == 0 {
		return nil, errors.TaskPermanent(nil, "renderer.chrome", "browser returned an empty capture")
	}
	return buf, nil
}

func (c *Chrome) load(ctx context.Context, r Request) error {
	if r.URL != "" {
		resp, err := chromedp.RunResponse(ctx, chromedp.Navigate(r.URL))
		if err != nil {
			return err
		}
		if resp != nil && resp.Status >= 400 {
			cause := fmt.Errorf("status %d", resp.Status)
			msg := fmt.Sprintf("target responded %d", resp.Status)
			if resp.Status >= 500 || resp.Status == 429 {
				return errors.TaskTransient(cause, "renderer.chrome", msg)
			}
			return errors.TaskPermanent(cause, "renderer.chrome", msg)
		}
	} else {
		err := chromedp.Run(ctx,
			chromedp.Navigate("about:blank"),
			chromedp.ActionFunc(func(ctx context.Context) error {
				tree, err := page.GetFrameTree().Do(ctx)
				if err != nil {
					return err
				}
				return page.SetDocumentContent(tree.Frame.ID, r.HTML).Do(ctx)
			}),
		)
		if err != nil {
			return err
		}
	}

	wait := chromedp.Tasks{chromedp.WaitReady("body", chromedp.ByQuery)}
	if r.Wait > 0 {
		wait = append(wait, chromedp.Sleep(r.Wait))
	}
	return chromedp.Run(ctx, wait)
}

func captureAction(r Request, buf *[]byte) chromedp.Action {
	switch r.Format {
	case "pdf":
		return chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return err
			}
			*buf = data
			return nil
		})
	case "jpeg":
		q := r.Quality
		if q <= 0 || q >= 100 {
			// FullScreenshot switches to PNG at 100
			q = 99
		}
		if r.FullPage {
			return chromedp.FullScreenshot(buf, q)
		}
		return chromedp.ActionFunc(func(ctx context.Context) error {
			data, err := page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(q)).
				Do(ctx)
			if err != nil {
				return err
			}
			*buf = data
			return nil
		})
	default:
		if r.FullPage {
			return chromedp.FullScreenshot(buf, 100)
		}
		return chromedp.CaptureScreenshot(buf)
	}
}

// classifyBrowserError treats navigation failures and a missing browser
// binary as permanent; crashes and protocol hiccups as transient.
func classifyBrowserError(ctx context.Context, err error, step string) error {
	if ctx.Err() != nil {
		return errors.WrapWithCode(context.Cause(ctx), errors.CodeCancelled, "renderer.chrome", step+" interrupted")
	}
	code := errors.GetCode(err)
	if code == errors.CodeTaskTransient || code == errors.CodeTaskPermanent {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "net::ERR_"),
		strings.Contains(msg, "executable file not found"),
		strings.Contains(msg, "no such file or directory"),
		strings.Contains(msg, "invalid URL"):
		return errors.TaskPermanent(err, "renderer.chrome", step+" failed")
	default:
		return errors.TaskTransient(err, "renderer.chrome", step+" failed")
	}
}
