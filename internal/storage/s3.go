// Package storage S3 기반 캔버스 에셋 저장소
package storage

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "canvas-sync/internal/config"
)

// S3Service 이미지 에셋 업로드/다운로드 처리
type S3Service struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	region    string
	expiry    time.Duration
}

// PresignedUpload 업로드용 Presigned URL 응답
type PresignedUpload struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewS3Service S3 클라이언트 초기화
func NewS3Service(cfg *appconfig.S3Config) (*S3Service, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	return &S3Service{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.BucketName,
		region:    cfg.Region,
		expiry:    cfg.PresignExpiry,
	}, nil
}

// GenerateUploadURL 이미지 업로드용 Presigned PUT URL 생성
func (s *S3Service) GenerateUploadURL(canvasID, fileName, contentType string) (*PresignedUpload, error) {
	key := s.buildKey(canvasID, fileName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.expiry
	})
	if err != nil {
		log.Printf("[S3] failed to presign upload for %s: %v", key, err)
		return nil, err
	}

	return &PresignedUpload{
		URL:       req.URL,
		Key:       key,
		ExpiresAt: time.Now().Add(s.expiry),
	}, nil
}

// GetFileURL 다운로드용 Presigned GET URL 생성
func (s *S3Service) GetFileURL(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.expiry
	})
	if err != nil {
		log.Printf("[S3] failed to presign download for %s: %v", key, err)
		return "", err
	}

	return req.URL, nil
}

// GetPublicURL 공개 버킷용 정적 URL
func (s *S3Service) GetPublicURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

// DeleteFile S3 객체 삭제
func (s *S3Service) DeleteFile(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		log.Printf("[S3] failed to delete %s: %v", key, err)
		return err
	}

	return nil
}

// buildKey 캔버스별 에셋 키 생성. 원본 파일명은 확장자만 남긴다.
func (s *S3Service) buildKey(canvasID, fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	return fmt.Sprintf("canvases/%s/assets/%s%s", canvasID, uuid.New().String(), ext)
}
