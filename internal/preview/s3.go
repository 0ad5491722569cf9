package preview

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PutObjectAPI is the part of the S3 client the persister uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads previews to a bucket and returns their public URL.
type S3 struct {
	client  PutObjectAPI
	bucket  string
	prefix  string
	baseURL string
	log     logrus.FieldLogger
}

var _ Persister = (*S3)(nil)

// NewS3 loads the default AWS credential chain and creates an S3 persister.
func NewS3(ctx context.Context, cfg Config, log logrus.FieldLogger) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("preview: load aws config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = awsCfg.Region
	}
	return NewS3WithClient(s3.NewFromConfig(awsCfg), cfg, log), nil
}

// NewS3WithClient creates an S3 persister around an existing client.
func NewS3WithClient(client PutObjectAPI, cfg Config, log logrus.FieldLogger) *S3 {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return &S3{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		baseURL: base,
		log:     log,
	}
}

// Persist implements Persister.
func (p *S3) Persist(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("preview: empty image")
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}

	key := path.Join(p.prefix, time.Now().UTC().Format("2006-01-02"), uuid.New().String()+extension(contentType))
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(p.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("max-age=86400"),
	})
	if err != nil {
		return "", fmt.Errorf("preview: put s3://%s/%s: %w", p.bucket, key, err)
	}

	url := p.baseURL + "/" + key
	p.log.WithFields(logrus.Fields{"key": key, "bytes": len(data)}).Debug("preview stored in s3")
	return url, nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}
