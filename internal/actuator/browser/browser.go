// Package browser drives the remote generation UI in a Chrome tab with
// chromedp. It implements actuator.Actuator against the live page.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/mpataki/segloop/internal/actuator"
	"github.com/mpataki/segloop/internal/models"
)

type Options struct {
	URL        string
	Headless   bool
	ProfileDir string // keeps the login between sessions
	Logger     *log.Logger

	PollInterval   time.Duration
	BranchWait     time.Duration
	UpscaleTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.BranchWait <= 0 {
		o.BranchWait = 2 * time.Second
	}
	if o.UpscaleTimeout <= 0 {
		o.UpscaleTimeout = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
}

type Browser struct {
	opts Options

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	browserCtx    context.Context
	uploadDir     string

	mu     sync.Mutex
	strict bool
	known  map[string]bool // video sources present before the last submission
}

// New launches Chrome and opens opts.URL. Close releases it.
func New(ctx context.Context, opts Options) (*Browser, error) {
	opts.withDefaults()
	opts.Logger.Printf("[BROWSER] Starting browser for: %s", opts.URL)

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", opts.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1280, 900),
	)
	if opts.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(opts.Logger.Printf))

	uploadDir, err := os.MkdirTemp("", "segloop-upload-")
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	b := &Browser{
		opts:          opts,
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
		browserCtx:    browserCtx,
		uploadDir:     uploadDir,
		known:         make(map[string]bool),
	}

	if err := chromedp.Run(browserCtx,
		chromedp.Navigate(opts.URL),
		chromedp.WaitReady("body"),
	); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open %s: %w", opts.URL, err)
	}

	return b, nil
}

func (b *Browser) Close() {
	b.browserCancel()
	b.allocCancel()
	os.RemoveAll(b.uploadDir)
}

// tab returns a context for actions in the browser tab that is also
// cancelled with ctx. Cancelling it does not close the tab.
func (b *Browser) tab(ctx context.Context) (context.Context, context.CancelFunc) {
	tctx, cancel := context.WithCancel(b.browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	return tctx, func() {
		stop()
		cancel()
	}
}

func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	tctx, cancel := b.tab(ctx)
	defer cancel()
	err := chromedp.Run(tctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (b *Browser) eval(ctx context.Context, js string, out any) error {
	return b.run(ctx, chromedp.Evaluate(js, out))
}

func (b *Browser) evalAsync(ctx context.Context, js string, out any) error {
	return b.run(ctx, chromedp.Evaluate(js, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

// poll calls check every interval until it reports done, fails, or ctx ends.
func poll(ctx context.Context, interval time.Duration, check func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Browser) SubmitImage(ctx context.Context, image []byte) error {
	path := filepath.Join(b.uploadDir, "input"+imageExtension(image))
	if err := os.WriteFile(path, image, 0600); err != nil {
		return fmt.Errorf("failed to stage image: %w", err)
	}

	revealCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := poll(revealCtx, b.opts.PollInterval, func() (bool, error) {
		var present bool
		if err := b.eval(revealCtx, jsRevealUpload, &present); err != nil {
			return false, err
		}
		return present, nil
	})
	if err != nil {
		return fmt.Errorf("file input not found, is the compose screen open: %w", err)
	}

	b.opts.Logger.Printf("[BROWSER] Uploading %d byte image", len(image))
	return b.run(ctx, chromedp.SetUploadFiles(selFileInput, []string{path}, chromedp.ByQuery))
}

func (b *Browser) WaitImageReady(ctx context.Context, bound time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()
	err := poll(waitCtx, b.opts.PollInterval, func() (bool, error) {
		var ready bool
		if err := b.eval(waitCtx, jsUploadReady, &ready); err != nil {
			return false, err
		}
		return ready, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return actuator.Timeout("image upload was not acknowledged")
	}
	return sleep(ctx, time.Second)
}

func (b *Browser) SubmitText(ctx context.Context, prompt string) error {
	var state pageState
	if err := b.eval(ctx, jsPageState, &state); err != nil {
		return fmt.Errorf("failed to read page: %w", err)
	}
	b.mu.Lock()
	b.known = make(map[string]bool, len(state.Videos))
	for _, src := range state.Videos {
		b.known[src] = true
	}
	strict := b.strict
	b.mu.Unlock()

	if err := b.run(ctx,
		chromedp.Focus(selTextArea, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return input.InsertText(prompt).Do(ctx)
		}),
	); err != nil {
		return fmt.Errorf("failed to type prompt: %w", err)
	}

	if strict {
		return b.submitStrict(ctx)
	}
	return b.submitWithButton(ctx)
}

func (b *Browser) pressEnter(ctx context.Context) error {
	return b.run(ctx, chromedp.KeyEvent(kb.Enter))
}

// submitStrict submits with the Enter key only, retrying once.
func (b *Browser) submitStrict(ctx context.Context) error {
	for try := 0; try < 2; try++ {
		if err := b.pressEnter(ctx); err != nil {
			return err
		}
		if err := sleep(ctx, time.Second); err != nil {
			return err
		}
		var empty bool
		if err := b.eval(ctx, jsInputEmpty, &empty); err != nil {
			return err
		}
		if empty {
			return nil
		}
		b.opts.Logger.Printf("[BROWSER] Strict Enter submission did not clear the input")
	}
	return errors.New("strict mode: enter key submission failed")
}

// submitWithButton clicks the send button, falling back to Enter after 10s.
func (b *Browser) submitWithButton(ctx context.Context) error {
	findCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := poll(findCtx, b.opts.PollInterval, func() (bool, error) {
		var clicked bool
		if err := b.eval(findCtx, jsClickSend, &clicked); err != nil {
			return false, err
		}
		return clicked, nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	b.opts.Logger.Printf("[BROWSER] No enabled send button, falling back to Enter")
	return b.pressEnter(ctx)
}

func (b *Browser) WaitForResult(ctx context.Context, timeout time.Duration) (models.ResultHandle, error) {
	b.mu.Lock()
	known := b.known
	b.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var handle models.ResultHandle
	var failure error
	err := poll(waitCtx, b.opts.PollInterval, func() (bool, error) {
		var state pageState
		if err := b.eval(waitCtx, jsPageState, &state); err != nil {
			return false, err
		}
		handle, failure = state.classify(known)
		return handle != "" || failure != nil, nil
	})
	switch {
	case failure != nil:
		return "", failure
	case handle != "":
		b.opts.Logger.Printf("[BROWSER] New video detected: %s", handle)
		return handle, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return "", actuator.Timeout(fmt.Sprintf("no video within %s", timeout))
	}
	return "", actuator.Other("failed to observe result", err)
}

func (b *Browser) DetectOptionalBranch(ctx context.Context) (bool, error) {
	if err := sleep(ctx, b.opts.BranchWait); err != nil {
		return false, err
	}
	var present bool
	if err := b.eval(ctx, jsSkipPresent, &present); err != nil {
		return false, err
	}
	return present, nil
}

func (b *Browser) ResolveOptionalBranch(ctx context.Context, auto bool) (models.ResultHandle, error) {
	if auto {
		var clicked bool
		if err := b.eval(ctx, jsClickSkip, &clicked); err != nil {
			return "", err
		}
		b.opts.Logger.Printf("[BROWSER] Auto-skipped A/B choice (clicked=%v)", clicked)
		return "", sleep(ctx, b.opts.BranchWait)
	}

	b.opts.Logger.Printf("[BROWSER] Waiting for a manual A/B choice")
	err := poll(ctx, time.Second, func() (bool, error) {
		var present bool
		if err := b.eval(ctx, jsSkipPresent, &present); err != nil {
			return false, err
		}
		return !present, nil
	})
	if err != nil {
		return "", err
	}
	if err := sleep(ctx, time.Second); err != nil {
		return "", err
	}
	var latest string
	if err := b.eval(ctx, jsLatestVideo, &latest); err != nil {
		return "", err
	}
	return models.ResultHandle(latest), nil
}

func (b *Browser) Upscale(ctx context.Context, handle models.ResultHandle) (models.ResultHandle, error) {
	var state pageState
	if err := b.eval(ctx, jsPageState, &state); err != nil {
		return "", err
	}
	known := make(map[string]bool, len(state.Videos))
	for _, src := range state.Videos {
		known[src] = true
	}

	var outcome string
	if err := b.eval(ctx, jsClickUpscale, &outcome); err != nil {
		return "", err
	}
	switch outcome {
	case "missing":
		return "", errors.New("upscale button not found")
	case "menu":
		if err := sleep(ctx, time.Second); err != nil {
			return "", err
		}
		var clicked bool
		if err := b.eval(ctx, jsClickUpscaleInMenu, &clicked); err != nil {
			return "", err
		}
		if !clicked {
			return "", errors.New("upscale not offered in menu")
		}
	}

	b.mu.Lock()
	b.known = known
	b.mu.Unlock()
	return b.WaitForResult(ctx, b.opts.UpscaleTimeout)
}

func (b *Browser) ExtractDerivedImage(ctx context.Context, handle models.ResultHandle) ([]byte, error) {
	var dataURL string
	if err := b.evalAsync(ctx, callJS(jsLastFrame, string(handle)), &dataURL); err != nil {
		return nil, fmt.Errorf("failed to extract last frame: %w", err)
	}
	return decodeDataURL(dataURL)
}

func (b *Browser) FetchResult(ctx context.Context, handle models.ResultHandle) ([]byte, error) {
	var encoded string
	if err := b.evalAsync(ctx, callJS(jsFetchBase64, string(handle)), &encoded); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", handle, err)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (b *Browser) TriggerRegenerationAction(ctx context.Context) error {
	var clicked bool
	if err := b.eval(ctx, jsClickRedo, &clicked); err != nil {
		return err
	}
	if !clicked {
		b.opts.Logger.Printf("[BROWSER] Redo button not found, relying on a full retry")
	}
	return nil
}

func (b *Browser) SetStrictMode(strict bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strict = strict
}

type pageState struct {
	Videos []string `json:"videos"`
	Alert  string   `json:"alert"`
}

// classify turns a page probe into a new result or a typed failure. A new
// video wins over a stale alert still on screen.
func (s pageState) classify(known map[string]bool) (models.ResultHandle, error) {
	for _, src := range s.Videos {
		if known[src] {
			continue
		}
		if strings.HasPrefix(src, "blob:") || strings.Contains(src, "video.twimg.com") || strings.Contains(src, "grok.com") {
			return models.ResultHandle(src), nil
		}
	}
	switch s.Alert {
	case "rate_limited":
		return "", actuator.RateLimited("Rate limit reached")
	case "moderated":
		return "", actuator.Moderated("Content Moderated")
	}
	return "", nil
}

func callJS(fn, arg string) string {
	quoted, _ := json.Marshal(arg)
	return fn + "(" + string(quoted) + ")"
}

func decodeDataURL(dataURL string) ([]byte, error) {
	_, payload, ok := strings.Cut(dataURL, ";base64,")
	if !ok || !strings.HasPrefix(dataURL, "data:") {
		return nil, fmt.Errorf("unexpected frame encoding")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return data, nil
}

func imageExtension(image []byte) string {
	switch http.DetectContentType(image) {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	return ".png"
}
