package correlate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/singleflight"

	"reviewwatch/pkg/logx"
)

// maxBody caps every tracker body read.
const maxBody = 8 << 20

// detailEnvelope is the regional detail endpoint response.
type detailEnvelope struct {
	Success bool `json:"success"`
	Result  struct {
		UUID string `json:"uuid"`
	} `json:"result"`
}

// Resolver turns detail URLs into canonical tracker URLs.
type Resolver struct {
	client   *http.Client
	patterns Patterns
	log      logx.Logger
	group    singleflight.Group
}

func NewResolver(client *http.Client, patterns Patterns, log logx.Logger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{client: client, patterns: patterns, log: log}
}

func (r *Resolver) Patterns() Patterns { return r.patterns }

// Resolve returns the URL to monitor for an observed request and whether a
// canonical URL was synthesized. Any failure falls back to the observed URL;
// the caller never sees an error.
func (r *Resolver) Resolve(ctx context.Context, observed string) (string, bool) {
	if r.patterns.isCanonical(observed) || r.patterns.Classify(observed) != KindDetail {
		return observed, false
	}

	v, err, _ := r.group.Do(observed, func() (any, error) {
		return r.fetchUUID(ctx, observed)
	})
	if err != nil {
		r.log.Warn("detail url not resolved; keeping original", logx.String("url", observed), logx.Err(err))
		return observed, false
	}
	return r.patterns.canonicalURL(v.(string)), true
}

func (r *Resolver) fetchUUID(ctx context.Context, detailURL string) (string, error) {
	body, status, err := Fetch(ctx, r.client, detailURL)
	if err != nil {
		return "", err
	}
	if status/100 != 2 {
		return "", fmt.Errorf("detail endpoint returned http %d", status)
	}
	var env detailEnvelope
	if err := sonic.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("decode detail envelope: %w", err)
	}
	uuid := strings.TrimSpace(env.Result.UUID)
	if !env.Success || uuid == "" {
		return "", fmt.Errorf("detail envelope without uuid (success=%t)", env.Success)
	}
	return uuid, nil
}

// Fetch GETs rawURL and returns at most maxBody bytes of the body with the
// status code.
func Fetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
