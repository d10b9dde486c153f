package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/storage/models"
	"github.com/talentgraph/backend/pkg/logger"
	"github.com/talentgraph/backend/pkg/retry"
	"github.com/talentgraph/backend/pkg/utils"
)

var (
	// ErrSourceUnavailable marks a transient fetch failure; it is retried with backoff.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrPermanentFailure marks a fetch that will not succeed on retry (revoked
	// access, deleted resource). The owner's profile keeps its last-known facts.
	ErrPermanentFailure = errors.New("source permanently failed")
)

// Connector fetches raw documents from declared external sources over HTTP.
type Connector struct {
	httpClient *http.Client
	retryCfg   retry.Config
}

func NewConnector(fetchTimeout time.Duration, maxRetries int) *Connector {
	return &Connector{
		httpClient: &http.Client{
			Timeout: fetchTimeout,
		},
		retryCfg: retry.Config{
			MaxAttempts:     maxRetries,
			InitialDelay:    500 * time.Millisecond,
			MaxDelay:        10 * time.Second,
			Multiplier:      2.0,
			JitterFraction:  0.1,
			RetryableErrors: []error{ErrSourceUnavailable},
			Logger:          logger.GetLogger(),
		},
	}
}

// Fetch pulls the source's current content. A fetch whose checksum matches the
// last recorded one returns (nil, nil): no new RawDocument, and downstream
// re-synthesis is skipped.
func (c *Connector) Fetch(ctx context.Context, src *models.Source) (*models.RawDocument, error) {
	doc, err := retry.DoWithResult(ctx, c.retryCfg, func() (*models.RawDocument, error) {
		return c.fetchOnce(ctx, src)
	})
	if err != nil {
		return nil, err
	}

	if doc == nil {
		logger.Debug("Source content unchanged",
			zap.String("source_id", src.ID),
			zap.String("checksum", src.LastChecksum),
		)
		return nil, nil
	}

	logger.Info("Source fetched",
		zap.String("source_id", src.ID),
		zap.String("doc_id", doc.ID),
		zap.Int("bytes", len(doc.Content)),
	)
	return doc, nil
}

func (c *Connector) fetchOnce(ctx context.Context, src *models.Source) (*models.RawDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Ref, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid source ref %q: %v", ErrPermanentFailure, src.Ref, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: status %d", ErrPermanentFailure, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrSourceUnavailable, err)
	}

	checksum := utils.HashBytes(body)
	if checksum == src.LastChecksum {
		return nil, nil
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &models.RawDocument{
		ID:          uuid.New().String(),
		SourceID:    src.ID,
		OwnerID:     src.OwnerID,
		FetchedAt:   time.Now(),
		ContentType: contentType,
		Content:     body,
		Checksum:    checksum,
	}, nil
}
