package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	apperrors "fedsync/internal/errors"
	"fedsync/internal/models"
	"fedsync/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// Transport delivers one transaction to a remote server. A nil return
// means the remote acknowledged the transaction; errors are classified
// through the application error taxonomy (transient vs permanent).
type Transport interface {
	Send(ctx context.Context, destination string, txn *models.Transaction) error
}

// HTTPTransport sends transactions over HTTP. Each destination gets its
// own circuit breaker: a remote that is hard-down fails fast instead of
// holding a connection slot for the full timeout. An open breaker is
// reported as a transient error so the worker keeps backing off and no
// queued item is dropped.
type HTTPTransport struct {
	client *http.Client
	scheme string
	logger *logrus.Logger

	breakerFailures uint32
	breakerReset    time.Duration

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

func NewHTTPTransport(timeout time.Duration, breakerFailures uint32, breakerReset time.Duration, logger *logrus.Logger) *HTTPTransport {
	return &HTTPTransport{
		client:          &http.Client{Timeout: timeout},
		scheme:          "https",
		logger:          logger,
		breakerFailures: breakerFailures,
		breakerReset:    breakerReset,
		breakers:        make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

func (t *HTTPTransport) breakerFor(destination string) *circuitbreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	cb, ok := t.breakers[destination]
	if !ok {
		cb = circuitbreaker.NewWithLogger(destination, t.breakerFailures, t.breakerReset, t.logger)
		t.breakers[destination] = cb
	}
	return cb
}

func (t *HTTPTransport) Send(ctx context.Context, destination string, txn *models.Transaction) error {
	err := t.breakerFor(destination).Execute(ctx, func(ctx context.Context) error {
		return t.doSend(ctx, destination, txn)
	})

	if circuitbreaker.IsCircuitBreakerError(err) {
		return apperrors.NewNetworkError(destination, err)
	}
	return err
}

func (t *HTTPTransport) doSend(ctx context.Context, destination string, txn *models.Transaction) error {
	body, err := json.Marshal(txn)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encode transaction")
	}

	url := fmt.Sprintf("%s://%s/_fed/v1/send/%s", t.scheme, destination, txn.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return apperrors.NewNetworkError(destination, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	return apperrors.NewTransportError(destination, resp.StatusCode,
		fmt.Errorf("unexpected status %d", resp.StatusCode))
}
