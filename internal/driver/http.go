package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// errStatusUnauthorized marks an HTTP 401/403 before a driver attributes it
// to an account.
var errStatusUnauthorized = errors.New("unauthorized status")

// newHTTPClient builds the client a REST driver reuses across collections.
// The per-request deadline comes from the probe context, not from here.
func newHTTPClient() *http.Client {
	return &http.Client{
		// Safety net for drivers that forget a context deadline.
		Timeout: 60 * time.Second,
	}
}

// getJSON performs a GET and decodes the JSON response into out,
// classifying failures into the driver error taxonomy.
func getJSON(ctx context.Context, client *http.Client, rawURL string, header http.Header, out any) error {
	return doJSON(ctx, client, http.MethodGet, rawURL, header, nil, out)
}

// postForm performs a form POST and decodes the JSON response into out.
func postForm(ctx context.Context, client *http.Client, rawURL string, form url.Values, out any) error {
	header := http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}}
	return doJSON(ctx, client, http.MethodPost, rawURL, header, strings.NewReader(form.Encode()), out)
}

// postJSON performs a JSON POST and decodes the JSON response into out.
func postJSON(ctx context.Context, client *http.Client, rawURL string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	return doJSON(ctx, client, http.MethodPost, rawURL, header, strings.NewReader(string(data)), out)
}

func doJSON(ctx context.Context, client *http.Client, method, rawURL string, header http.Header, body *strings.Reader, out any) error {
	var reqBody *strings.Reader
	if body != nil {
		reqBody = body
	} else {
		reqBody = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d from %s", errStatusUnauthorized, resp.StatusCode, redact(rawURL))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: status %d from %s", ErrProtocol, resp.StatusCode, redact(rawURL))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response from %s: %v", ErrProtocol, redact(rawURL), err)
	}
	return nil
}

// decodeJSON decodes a response body, classifying failures as ErrProtocol.
func decodeJSON(resp *http.Response, out any) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProtocol, err)
	}
	return nil
}

// secondsDuration converts an expires_in style field to a Duration,
// treating zero or garbage as "no expiry metadata".
func secondsDuration(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// redact strips the query string so keys and tokens never reach the logs.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// unauthorizedFor rewrites an errStatusUnauthorized into an attributed
// UnauthorizedError, and passes every other error through.
func unauthorizedFor(account string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errStatusUnauthorized) {
		return &UnauthorizedError{Account: account, Err: err}
	}
	return err
}
