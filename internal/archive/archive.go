// Package archive copies completed sessions to S3 as JSON documents.
// Archiving is best-effort: an upload failure is logged and never
// disturbs the session itself, which stays fully readable in the
// primary store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/szaher/council/internal/council"
	"github.com/szaher/council/internal/events"
)

const uploadTimeout = 30 * time.Second

// Uploader is the slice of the S3 client the archiver uses.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Loader fetches the session and its rounds for archiving.
type Loader interface {
	Load(ctx context.Context, id string) (*council.Session, []council.Round, error)
}

// Document is the archived object layout.
type Document struct {
	Session    *council.Session `json:"session"`
	Rounds     []council.Round  `json:"rounds"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// Archiver uploads completed sessions to one bucket.
type Archiver struct {
	client Uploader
	loader Loader
	bucket string
	prefix string
	logger *slog.Logger
}

// New creates an archiver writing to bucket under prefix (default
// "council").
func New(client Uploader, loader Loader, bucket, prefix string, logger *slog.Logger) *Archiver {
	if prefix == "" {
		prefix = "council"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client: client,
		loader: loader,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

// Run consumes state-change events until ctx ends or the stream
// closes, archiving each session that reaches complete. Upload errors
// are logged and the loop keeps going.
func (a *Archiver) Run(ctx context.Context, stream <-chan *events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if ev.Type != events.SessionStateChanged {
				continue
			}
			if state, _ := ev.Data["state"].(string); state != string(council.StateComplete) {
				continue
			}
			if err := a.Archive(ctx, ev.SessionID); err != nil {
				a.logger.Warn("session archive failed",
					"session_id", ev.SessionID,
					"bucket", a.bucket,
					"error", err)
			}
		}
	}
}

// Archive uploads one session with all its rounds. The upload carries
// its own deadline, detached from the caller's cancellation, so a
// shutdown mid-upload still finishes the object.
func (a *Archiver) Archive(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uploadTimeout)
	defer cancel()

	sess, rounds, err := a.loader.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	doc := Document{Session: sess, Rounds: rounds, ArchivedAt: time.Now().UTC()}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode archive document: %w", err)
	}

	key := a.Key(sessionID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}

	a.logger.Info("session archived",
		"session_id", sessionID,
		"bucket", a.bucket,
		"key", key,
		"bytes", len(body))
	return nil
}

// Key returns the object key for a session.
func (a *Archiver) Key(sessionID string) string {
	return path.Join(a.prefix, sessionID+".json")
}

// NewClient builds an S3 client from the default AWS credential chain.
// A custom endpoint switches to path-style addressing for MinIO-like
// stores.
func NewClient(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
