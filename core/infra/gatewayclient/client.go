// Package gatewayclient calls the tool-invocation endpoint of an execution
// gateway over HTTP.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/tracing"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
	invokePath     = "tools/invoke"

	// PasswordHeader carries the shared secret for password-mode gateways.
	PasswordHeader = "X-Gateway-Password"
)

// Target addresses one gateway with resolved credentials.
type Target struct {
	Host     string
	Port     int
	Token    string
	AuthMode model.AuthMode
	BasePath string
}

// Response is the gateway's answer. Only the status is interpreted.
type Response struct {
	HTTPStatus int
	Body       []byte
}

// Client posts invocation requests to gateways.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// New returns a client whose calls are bounded by timeout and traced through
// an otelhttp transport.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http:    &http.Client{Transport: tracing.Transport(nil)},
		timeout: timeout,
	}
}

// Invoke sends req to the gateway. Any HTTP status is a Response; only
// transport failures (dial, timeout, unreadable body) are errors.
func (c *Client) Invoke(ctx context.Context, target Target, req model.InvocationRequest) (Response, error) {
	endpoint, err := Endpoint(target)
	if err != nil {
		return Response{}, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	switch target.AuthMode {
	case model.AuthToken:
		if target.Token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+target.Token)
		}
	case model.AuthPassword:
		if target.Token != "" {
			httpReq.Header.Set(PasswordHeader, target.Token)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("invoke %s: %w", req.Tool, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return Response{HTTPStatus: resp.StatusCode, Body: body}, nil
}

// Endpoint builds the invoke URL. Loopback gateways are reached over plain
// HTTP, everything else over HTTPS.
func Endpoint(target Target) (string, error) {
	host := strings.TrimSpace(target.Host)
	if host == "" {
		return "", fmt.Errorf("gateway host required")
	}
	if target.Port <= 0 || target.Port > 65535 {
		return "", fmt.Errorf("gateway port %d out of range", target.Port)
	}
	scheme := "https"
	if model.IsLoopbackHost(host) {
		scheme = "http"
	}
	base := target.BasePath
	if base == "" {
		base = "/"
	}
	p := path.Join("/", base, invokePath)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(target.Port)) + p, nil
}
