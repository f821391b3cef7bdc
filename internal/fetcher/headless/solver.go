package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
)

const notReady = "CAPCHA_NOT_READY"

// TwoCaptchaConfig points the solver at a 2Captcha-compatible API.
type TwoCaptchaConfig struct {
	Endpoint     string
	PollInterval time.Duration
	MaxPolls     int
}

// TwoCaptcha solves challenges through the in.php/res.php task API.
type TwoCaptcha struct {
	client   *req.Client
	interval time.Duration
	maxPolls int
}

type twoCaptchaReply struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// NewTwoCaptcha builds a Solver.
func NewTwoCaptcha(cfg TwoCaptchaConfig) *TwoCaptcha {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://2captcha.com"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	return &TwoCaptcha{
		client:   req.C().SetBaseURL(cfg.Endpoint).SetTimeout(30 * time.Second),
		interval: cfg.PollInterval,
		maxPolls: cfg.MaxPolls,
	}
}

// Solve submits the challenge and polls until a token is ready.
func (s *TwoCaptcha) Solve(ctx context.Context, apiKey string, challenge Challenge) (string, error) {
	form := map[string]string{
		"key":     apiKey,
		"pageurl": challenge.PageURL,
		"json":    "1",
	}
	switch challenge.Kind {
	case CaptchaRecaptcha:
		form["method"] = "userrecaptcha"
		form["googlekey"] = challenge.SiteKey
	case CaptchaHCaptcha:
		form["method"] = "hcaptcha"
		form["sitekey"] = challenge.SiteKey
	case CaptchaTurnstile:
		form["method"] = "turnstile"
		form["sitekey"] = challenge.SiteKey
	default:
		return "", fmt.Errorf("unsupported captcha kind %q", challenge.Kind)
	}

	resp, err := s.client.R().SetContext(ctx).SetFormData(form).Post("/in.php")
	if err != nil {
		return "", fmt.Errorf("submit captcha: %w", err)
	}
	submitted, err := decodeReply(resp)
	if err != nil {
		return "", fmt.Errorf("submit captcha: %w", err)
	}
	if submitted.Status != 1 {
		return "", fmt.Errorf("submit captcha: %s", submitted.Request)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for poll := 0; poll < s.maxPolls; poll++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		resp, err := s.client.R().SetContext(ctx).SetQueryParams(map[string]string{
			"key":    apiKey,
			"action": "get",
			"id":     submitted.Request,
			"json":   "1",
		}).Get("/res.php")
		if err != nil {
			return "", fmt.Errorf("poll captcha: %w", err)
		}
		result, err := decodeReply(resp)
		if err != nil {
			return "", fmt.Errorf("poll captcha: %w", err)
		}
		if result.Status == 1 {
			return result.Request, nil
		}
		if result.Request != notReady {
			return "", fmt.Errorf("poll captcha: %s", result.Request)
		}
	}
	return "", errors.New("captcha not solved in time")
}

// decodeReply parses the json=1 envelope. The API does not always label it
// application/json, so the body is decoded directly.
func decodeReply(resp *req.Response) (twoCaptchaReply, error) {
	var reply twoCaptchaReply
	if !resp.IsSuccessState() {
		return reply, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := resp.ToBytes()
	if err != nil {
		return reply, err
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return reply, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}
