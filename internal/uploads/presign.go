package uploads

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

const (
	presignExpiry = time.Hour
	keyPrefix     = "posts/"
)

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

// Presigned is what a client needs to PUT an object directly to S3.
type Presigned struct {
	UploadURL string `json:"uploadUrl"`
	ImagePath string `json:"imagePath"`
}

// PutRequester is the slice of the S3 API the presigner needs.
type PutRequester interface {
	PutObjectPresign(input *s3.PutObjectInput, expiry time.Duration) (string, error)
}

type s3Requester struct {
	client *s3.S3
}

func (r s3Requester) PutObjectPresign(input *s3.PutObjectInput, expiry time.Duration) (string, error) {
	req, _ := r.client.PutObjectRequest(input)
	return req.Presign(expiry)
}

type S3Presigner struct {
	bucket    string
	requester PutRequester
}

func NewS3Presigner(cfg S3Config) (*S3Presigner, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, fmt.Errorf("aws region is required")
	}

	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return NewS3PresignerWithRequester(cfg.Bucket, s3Requester{client: s3.New(sess)}), nil
}

func NewS3PresignerWithRequester(bucket string, requester PutRequester) *S3Presigner {
	return &S3Presigner{bucket: bucket, requester: requester}
}

// PresignPut returns a one hour upload URL for a new posts/<uuid>.<ext> key.
func (p *S3Presigner) PresignPut(fileExtension, contentType string) (Presigned, error) {
	ext, err := Extension("file." + strings.TrimPrefix(fileExtension, "."))
	if err != nil {
		return Presigned{}, err
	}
	contentType = strings.TrimSpace(contentType)
	if !strings.HasPrefix(contentType, "image/") {
		return Presigned{}, fmt.Errorf("%w: content type %q", ErrUnsupportedType, contentType)
	}

	key := keyPrefix + uuid.NewString() + "." + ext
	url, err := p.requester.PutObjectPresign(&s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, presignExpiry)
	if err != nil {
		return Presigned{}, fmt.Errorf("presign put %s: %w", key, err)
	}
	return Presigned{UploadURL: url, ImagePath: key}, nil
}
