/*
Package imagestore stores captured output images in AWS S3.

The output/image operation replies with a URL instead of inline image data;
devices upload the captured frame here and hand out a pre-signed GET URL
with a limited lifetime.
*/
package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/relabs-tech/dab-bridge/core/logger"
)

// S3Configuration is the configuration for the image store
type S3Configuration struct {
	AWSBucketName string `env:"S3_BUCKET,optional" description:"the S3 bucket for output images"`
	AWSRegion     string `env:"S3_REGION,optional" description:"the S3 region"`
	AccessID      string `env:"S3_ACCESS_ID,optional" description:"the S3 access id"`
	AccessKey     string `env:"S3_ACCESS_KEY,optional" description:"the S3 access key"`
	KeyPrefix     string `env:"S3_KEY_PREFIX,optional" description:"prefix for all object keys"`
}

// S3 is the S3-backed image store
type S3 struct {
	config      aws.Config
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3 image store
func NewS3(cfg S3Configuration) (*S3, error) {
	if cfg.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	awsConfig, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(cfg.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessID, cfg.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("S3 image store enabled")
	s := S3{awsConfig, cfg.AWSBucketName, cfg.KeyPrefix}
	return &s, nil
}

// Upload stores one captured image under the given key.
func (s *S3) Upload(key string, data []byte, contentType string) error {
	logger.Default().Infoln("uploading image ", s.baseKeyName+key)
	uploader := manager.NewUploader(s3.NewFromConfig(s.config))

	_, err := uploader.Upload(context.TODO(), &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.baseKeyName + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		logger.Default().Error("could not upload ", s.baseKeyName+key)
		return err
	}
	return nil
}

// GetPreSignedURL returns a pre-signed GET URL for the image under key,
// valid until the expiry time is passed. key must be a valid file name.
func (s *S3) GetPreSignedURL(key string, expireIn time.Duration) (string, error) {
	client := s3.NewPresignClient(s3.NewFromConfig(s.config))

	resp, err := client.PresignGetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	}, s3.WithPresignExpires(expireIn))
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// Delete deletes the image under key.
func (s *S3) Delete(key string) error {
	client := s3.NewFromConfig(s.config)

	_, err := client.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		logger.Default().Error("could not delete ", s.baseKeyName+key)
		return err
	}
	return nil
}
