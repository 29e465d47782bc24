package page

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/har"
	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/sre-norns/pagecheck/pkg/prob"
)

// Evaluated with `this` bound to the candidate element.
const renderedFn = `function() {
	const style = window.getComputedStyle(this);
	if (style.visibility === 'hidden' || style.visibility === 'collapse' || style.display === 'none') {
		return false;
	}
	const rect = this.getBoundingClientRect();
	return rect.width > 0 && rect.height > 0;
}`

type chromeBrowser struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc

	recorder *harRecorder
}

// LaunchChrome starts a Chrome or Chromium process over the DevTools protocol and opens a blank tab.
// The process is bound to ctx and terminated by Close.
func LaunchChrome(ctx context.Context, options prob.BrowserOptions, logger log.Logger) (Browser, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", options.Headless))
	if w, h := options.WindowSize[0], options.WindowSize[1]; w > 0 && h > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(w, h))
	}
	if options.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if options.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(options.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			level.Debug(logger).Log("msg", fmt.Sprintf(format, args...), "source", "chromedp")
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			level.Debug(logger).Log("msg", fmt.Sprintf(format, args...), "source", "chromedp")
		}),
	)

	b := &chromeBrowser{
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		recorder:    newHARRecorder(),
	}
	chromedp.ListenTarget(tabCtx, b.recorder.handle)

	// The first Run allocates the browser and binds its lifetime to tabCtx.
	if err := chromedp.Run(tabCtx, network.Enable(), accessibility.Enable()); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, err
	}

	return b, nil
}

// bind derives a context from the tab context that also honours ctx deadline and cancellation.
func (b *chromeBrowser) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(b.ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		cancelParent := cancel
		cancel = func() {
			cancelDeadline()
			cancelParent()
		}
	}

	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (b *chromeBrowser) Navigate(ctx context.Context, url string) (int64, error) {
	runCtx, cancel := b.bind(ctx)
	defer cancel()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}

	return resp.Status, nil
}

func (b *chromeBrowser) Visible(ctx context.Context, role, name string) (bool, error) {
	runCtx, cancel := b.bind(ctx)
	defer cancel()

	var visible bool
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		root, err := dom.GetDocument().WithDepth(0).Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to get document: %w", err)
		}

		nodes, err := accessibility.QueryAXTree().
			WithBackendNodeID(root.BackendNodeID).
			WithAccessibleName(name).
			WithRole(role).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to query accessibility tree: %w", err)
		}

		for _, node := range nodes {
			if node.Ignored || node.BackendDOMNodeID == 0 {
				continue
			}

			rendered, err := isRendered(ctx, node.BackendDOMNodeID)
			if err != nil {
				return err
			}
			if rendered {
				visible = true
				return nil
			}
		}

		return nil
	}))

	return visible, err
}

func isRendered(ctx context.Context, id cdp.BackendNodeID) (bool, error) {
	obj, err := dom.ResolveNode().WithBackendNodeID(id).Do(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to resolve node %d: %w", id, err)
	}
	defer func() {
		_ = cdpruntime.ReleaseObject(obj.ObjectID).Do(ctx)
	}()

	res, exception, err := cdpruntime.CallFunctionOn(renderedFn).
		WithObjectID(obj.ObjectID).
		WithReturnByValue(true).
		Do(ctx)
	if err != nil {
		return false, err
	}
	if exception != nil {
		return false, fmt.Errorf("visibility check raised: %s", exception.Text)
	}

	return res != nil && string(res.Value) == "true", nil
}

func (b *chromeBrowser) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	runCtx, cancel := b.bind(ctx)
	defer cancel()

	var buf []byte
	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if fullPage {
		// quality 100 keeps the PNG encoding
		action = chromedp.FullScreenshot(&buf, 100)
	}

	if err := chromedp.Run(runCtx, action); err != nil {
		return nil, err
	}

	return buf, nil
}

func (b *chromeBrowser) Archive() *har.HAR {
	return b.recorder.Archive()
}

func (b *chromeBrowser) Close() error {
	err := chromedp.Cancel(b.ctx)
	b.cancelTab()
	b.cancelAlloc()

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
