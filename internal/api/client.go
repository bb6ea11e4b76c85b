package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/jbweber/conduit/internal/control"
	"github.com/jbweber/conduit/internal/libvirt"
	"github.com/jbweber/conduit/internal/output"
)

const applicationJSON = "application/json"

// Client talks to a conduit proxy. Failed commands come back as
// *control.Error with the same kinds the server saw.
type Client struct {
	baseURL string
	secret  string
	http    *retryablehttp.Client
}

type noRetryKey struct{}

// NewClient creates a client for the proxy at baseURL. Only connection
// failures are retried, and never for commands, which are not idempotent.
func NewClient(baseURL, secret string, log logr.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = leveledLogger{log: log}
	rc.CheckRetry = checkRetry
	// Hand non-2xx responses back to the caller instead of an opaque error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    rc,
	}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	if noRetry, _ := ctx.Value(noRetryKey{}).(bool); noRetry {
		return false, err
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/ping", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, err = decodeResponse[struct{}](resp, "ping", "")
	return err
}

func (c *Client) Inspect(ctx context.Context, domain string) (*libvirt.DomainInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/domains/"+url.PathEscape(domain), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeResponse[libvirt.DomainInfo](resp, "inspect", domain)
}

func (c *Client) MonitorCommand(ctx context.Context, domain, command string, hmp bool) (*output.Result, error) {
	ctx = context.WithValue(ctx, noRetryKey{}, true)
	resp, err := c.do(ctx, http.MethodPost, "/v1/domains/"+url.PathEscape(domain)+"/monitor",
		monitorRequest{Command: command, HMP: hmp})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeResponse[output.Result](resp, "monitor-command", domain)
}

func (c *Client) AgentCommand(ctx context.Context, domain, command string, timeout int) (*output.Result, error) {
	ctx = context.WithValue(ctx, noRetryKey{}, true)
	resp, err := c.do(ctx, http.MethodPost, "/v1/domains/"+url.PathEscape(domain)+"/agent",
		agentRequest{Command: command, Timeout: &timeout})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeResponse[output.Result](resp, "agent-command", domain)
}

// Events subscribes to the proxy's event stream and calls fn for every event
// until ctx is cancelled, the stream ends, or fn returns an error, which is
// returned.
func (c *Client) Events(ctx context.Context, domain, event string, flags uint32, fn func(*output.EventRecord) error) error {
	q := url.Values{}
	if domain != "" {
		q.Set("domain", domain)
	}
	if event != "" {
		q.Set("event", event)
	}
	if flags&control.EventRegex != 0 {
		q.Set("regex", "true")
	}
	if flags&control.EventNoCase != 0 {
		q.Set("nocase", "true")
	}

	path := "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, err := decodeResponse[struct{}](resp, "events", domain)
		return err
	}

	err = readEvents(resp.Body, func(name string, data []byte) error {
		if name != sseEvent {
			return nil
		}
		var rec output.EventRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		return fn(&rec)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses a text/event-stream body.
func readEvents(body io.Reader, dispatch func(name string, data []byte) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		name string
		data bytes.Buffer
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 || name != "" {
				if err := dispatch(name, bytes.TrimSuffix(data.Bytes(), []byte("\n"))); err != nil {
					return err
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			data.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read event stream: %w", err)
	}
	return nil
}

type apiResponse[T any] struct {
	Ok    bool   `json:"ok"`
	Data  *T     `json:"data"`
	Error string `json:"error"`
}

func decodeResponse[T any](resp *http.Response, op, domain string) (*T, error) {
	var body apiResponse[T]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, errorFor(op, domain, resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}

	if resp.StatusCode != http.StatusOK || !body.Ok {
		msg := body.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, errorFor(op, domain, resp.StatusCode, msg)
	}
	if body.Data == nil {
		var zero T
		return &zero, nil
	}
	return body.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", applicationJSON)
	if c.secret != "" {
		req.Header.Set(SecretHeader, c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to reach conduit server at %s: %w", c.baseURL, err)
	}
	return resp, nil
}

// leveledLogger adapts logr to retryablehttp.LeveledLogger.
type leveledLogger struct {
	log logr.Logger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.log.Error(nil, msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.log.V(1).Info(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.log.V(1).Info(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.log.Info(msg, kv...) }

var _ retryablehttp.LeveledLogger = leveledLogger{}

