package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"tunelift/request"
)

// DefaultClientTimeoutSec defines a default timeout in seconds for our http client
const DefaultClientTimeoutSec = 30

var (
	// Based on http.DefaultTransport
	//
	// See https://golang.org/pkg/net/http/#RoundTripper
	transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second, // was 30 * time.Second
			KeepAlive: 30 * time.Second,
			DualStack: true,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	clientTimeout time.Duration
)

// Backend delivers a status update by executing an HTTP request against
// the messaging gateway.
type Backend struct {
	client  *http.Client
	reports chan request.StatusUpdate
}

// ID returns "http"
func (b *Backend) ID() string {
	return "http"
}

// Start starts the backend based on configuration provided by cfg.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	cfgTimeout, ok := cfg["timeout"]
	if !ok {
		clientTimeout = time.Duration(DefaultClientTimeoutSec) * time.Second
	} else {
		var t int64
		switch v := cfgTimeout.(type) {
		case int:
			t = int64(v)
		case int64:
			t = v
		case float64:
			t = int64(v)
		case json.Number:
			var err error
			t, err = v.Int64()
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("invalid timeout value %v", cfgTimeout)
		}
		clientTimeout = time.Duration(t) * time.Second
	}

	b.client = &http.Client{
		Transport: transport,
		Timeout:   clientTimeout, // Larger than Dial + TLS timeouts
	}

	b.reports = make(chan request.StatusUpdate)

	return nil
}

// Notify posts the status update to url.
func (b *Backend) Notify(url string, u request.StatusUpdate) error {
	payload, err := u.Bytes()
	if err != nil {
		u.Delivered = false
		u.DeliveryError = err.Error()
		return err
	}

	res, err := b.client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil || res.StatusCode < 200 || res.StatusCode >= 300 {
		if err == nil {
			err = fmt.Errorf("Received Status: %s", res.Status)
		}
		u.Delivered = false
		u.DeliveryError = err.Error()
		return err
	}

	u.Delivered = true
	u.DeliveryError = ""
	b.reports <- u

	return nil
}

// DeliveryReports returns a channel of successfully emitted updates.
// Failures are returned directly by Notify() as errors.
func (b *Backend) DeliveryReports() <-chan request.StatusUpdate {
	return b.reports
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
