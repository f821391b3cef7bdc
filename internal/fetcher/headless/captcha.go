package headless

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/scout/internal/crawler"
)

// CaptchaKind names a challenge widget family.
type CaptchaKind string

// Supported widgets.
const (
	CaptchaRecaptcha CaptchaKind = "recaptcha"
	CaptchaHCaptcha  CaptchaKind = "hcaptcha"
	CaptchaTurnstile CaptchaKind = "turnstile"
)

// Challenge describes a widget found on a rendered page.
type Challenge struct {
	Kind    CaptchaKind `json:"kind"`
	SiteKey string      `json:"sitekey"`
	PageURL string      `json:"url"`
}

// Solver turns a challenge into a response token. apiKey comes from the
// leased credential.
type Solver interface {
	Solve(ctx context.Context, apiKey string, challenge Challenge) (string, error)
}

// detectScript reports the first widget with a site key, or an empty object.
const detectScript = `(() => {
  const probes = [
    ["recaptcha", ".g-recaptcha[data-sitekey], [data-sitekey].recaptcha"],
    ["hcaptcha", ".h-captcha[data-sitekey]"],
    ["turnstile", ".cf-turnstile[data-sitekey]"],
  ];
  for (const [kind, selector] of probes) {
    const el = document.querySelector(selector);
    if (el) {
      return {kind: kind, sitekey: el.getAttribute("data-sitekey"), url: location.href};
    }
  }
  return {kind: "", sitekey: "", url: location.href};
})()`

// injectScript fills every known response field with the token and submits
// the enclosing form when there is one.
const injectScript = `((token) => {
  const names = ["g-recaptcha-response", "h-captcha-response", "cf-turnstile-response"];
  let form = null;
  for (const name of names) {
    for (const el of document.querySelectorAll("[name='" + name + "'], #" + name)) {
      el.value = token;
      el.innerHTML = token;
      form = form || el.closest("form");
    }
  }
  if (form) {
    form.submit();
  }
  return true;
})(%s)`

// CaptchaFetcher implements the browser-captcha capability: it renders the
// page, solves any challenge widget through a Solver, and captures the page
// that follows.
type CaptchaFetcher struct {
	browser *Fetcher
	solver  Solver
}

// NewCaptcha wraps a browser fetcher with challenge solving.
func NewCaptcha(browser *Fetcher, solver Solver) (*CaptchaFetcher, error) {
	if browser == nil || solver == nil {
		return nil, errors.New("captcha fetcher requires a browser and a solver")
	}
	return &CaptchaFetcher{browser: browser, solver: solver}, nil
}

// Fetch renders request.URL and solves at most one challenge.
func (c *CaptchaFetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if request.Lease == nil || request.Lease.Secret == "" {
		return crawler.FetchResponse{}, crawler.NewTransient(crawler.CodeNoCredential, 0, errors.New("captcha solving requires a leased api key"))
	}
	return c.browser.render(ctx, request, crawler.CapabilityBrowserCaptcha, c.solveAction(request.Lease.Secret))
}

func (c *CaptchaFetcher) solveAction(apiKey string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var found Challenge
		if err := chromedp.Evaluate(detectScript, &found).Do(ctx); err != nil {
			return fmt.Errorf("detect captcha: %w", err)
		}
		if found.SiteKey == "" {
			return nil
		}
		token, err := c.solver.Solve(ctx, apiKey, found)
		if err != nil {
			return crawler.NewTransient(crawler.CodeCaptcha, 0, err)
		}
		if err := chromedp.Evaluate(fmt.Sprintf(injectScript, strconv.Quote(token)), nil).Do(ctx); err != nil {
			return fmt.Errorf("inject captcha token: %w", err)
		}
		if err := chromedp.Sleep(c.browser.cfg.SettleDelay).Do(ctx); err != nil {
			return err
		}
		return chromedp.WaitReady("body", chromedp.ByQuery).Do(ctx)
	})
}
