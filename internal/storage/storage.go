// Package storage persists fetch artifacts to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/pricewatch/pricewatch/internal/config"
	"github.com/pricewatch/pricewatch/internal/urlnorm"
)

// Service stores fetch artifacts and cached product images. Keys are
// deterministic per listing, so every write replaces the previous capture
// (last writer wins).
type Service struct {
	client            *s3.Client
	httpClient        *http.Client
	artifactsBucket   string
	screenshotsBucket string
	imagesBucket      string
	enabled           bool
	logger            *slog.Logger
}

// New creates a storage service. When storage is not configured the service
// is a no-op and every store call silently succeeds.
func New(cfg *appconfig.Config, logger *slog.Logger) (*Service, error) {
	if !cfg.StorageEnabled {
		logger.Info("storage disabled - no endpoint or credentials configured")
		return &Service{
			enabled: false,
			logger:  logger,
		}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.StorageRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.StorageAccessKey,
			cfg.StorageSecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Custom endpoint for S3-compatible storage (MinIO, Tigris, etc.)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		o.UsePathStyle = cfg.StorageUsePathStyle
	})

	logger.Info("storage initialized",
		"endpoint", cfg.StorageEndpoint,
		"artifacts_bucket", cfg.ArtifactsBucket,
		"screenshots_bucket", cfg.ScreenshotsBucket,
		"images_bucket", cfg.ImagesBucket,
	)

	return &Service{
		client:            client,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		artifactsBucket:   cfg.ArtifactsBucket,
		screenshotsBucket: cfg.ScreenshotsBucket,
		imagesBucket:      cfg.ImagesBucket,
		enabled:           true,
		logger:            logger,
	}, nil
}

// IsEnabled returns whether storage is configured and available.
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// ArtifactKey builds the object key for a listing capture. The same listing
// always maps to the same key, so re-fetches overwrite in place.
func ArtifactKey(domain, url, ext string) string {
	return domain + "/" + urlnorm.Hash16(url) + "/latest." + ext
}

// ImageKey builds the object key for a cached product image.
func ImageKey(imageURL string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(stripQuery(imageURL)), "."))
	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp", "avif":
	default:
		ext = "jpg"
	}
	return urlnorm.Hash16(imageURL) + "." + ext
}

func stripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// StoreArtifacts uploads the rendered HTML and screenshot for a fetch.
// Either payload may be empty. Errors are returned for the caller to log;
// a failed upload never fails the price check.
func (s *Service) StoreArtifacts(ctx context.Context, domain, url string, html, screenshot []byte) error {
	if !s.enabled {
		return nil
	}

	if len(html) > 0 {
		key := ArtifactKey(domain, url, "html")
		if err := s.put(ctx, s.artifactsBucket, key, html, "text/html; charset=utf-8"); err != nil {
			return fmt.Errorf("failed to store html artifact: %w", err)
		}
		s.logger.Debug("stored html artifact", "key", key, "size_bytes", len(html))
	}

	if len(screenshot) > 0 {
		key := ArtifactKey(domain, url, "png")
		if err := s.put(ctx, s.screenshotsBucket, key, screenshot, "image/png"); err != nil {
			return fmt.Errorf("failed to store screenshot: %w", err)
		}
		s.logger.Debug("stored screenshot", "key", key, "size_bytes", len(screenshot))
	}

	return nil
}

// GetArtifact retrieves the stored HTML capture for a listing.
func (s *Service) GetArtifact(ctx context.Context, domain, url string) ([]byte, error) {
	if !s.enabled {
		return nil, fmt.Errorf("storage is not enabled")
	}

	key := ArtifactKey(domain, url, "html")
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.artifactsBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	defer func() { _ = output.Body.Close() }()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// CacheProductImage downloads a product image and stores a copy in the
// images bucket. Returns the object key of the cached copy.
func (s *Service) CacheProductImage(ctx context.Context, imageURL string) (string, error) {
	if !s.enabled {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create image request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	// Product images are small; cap reads to keep a lying server honest.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("image download returned empty body")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}

	key := ImageKey(imageURL)
	if err := s.put(ctx, s.imagesBucket, key, data, contentType); err != nil {
		return "", fmt.Errorf("failed to store image: %w", err)
	}

	s.logger.Info("cached product image", "key", key, "size_bytes", len(data))
	return key, nil
}

func (s *Service) put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}
