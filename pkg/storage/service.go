// Package storage reads the DMS S3 archive and holds opportunity
// attachment objects.
package storage

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/getsentry/sentry-go"

	"github.com/dealerdesk/crm-backend/pkg/dms"
	"github.com/dealerdesk/crm-backend/pkg/domain"
	"github.com/dealerdesk/crm-backend/pkg/logger"
)

const defaultPresignExpiry = 15 * time.Minute

// Config holds storage configuration.
type Config struct {
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSRegion          string
	Endpoint           string // optional, for MinIO or test doubles
	PathStyle          bool
	ArchiveBucket      string // DMS deal statement archive
	AttachmentBucket   string // opportunity attachment objects
}

// Service wraps the S3 clients for the archive and attachment buckets.
type Service struct {
	s3Client         *s3.Client
	presign          *s3.PresignClient
	archiveBucket    string
	attachmentBucket string
	log              logger.Logger
}

// NewService creates the storage service.
func NewService(ctx context.Context, cfg Config, log logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Nop()
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.AWSRegion),
	}
	if cfg.AWSAccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AWSAccessKeyID,
			cfg.AWSSecretAccessKey,
			"",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Service{
		s3Client:         client,
		presign:          s3.NewPresignClient(client),
		archiveBucket:    cfg.ArchiveBucket,
		attachmentBucket: cfg.AttachmentBucket,
		log:              log,
	}, nil
}

// DealStatement is the parsed form of an archived FI-WIP deal statement.
type DealStatement struct {
	XMLName      xml.Name `xml:"DealStatement" json:"-"`
	DealNumber   string   `xml:"DealNumber" json:"deal_number"`
	DealType     string   `xml:"DealType" json:"deal_type"`
	CustomerName string   `xml:"CustomerName" json:"customer_name"`
	FrontGross   float64  `xml:"FrontGross" json:"front_gross"`
	BackGross    float64  `xml:"BackGross" json:"back_gross"`
	TotalGross   float64  `xml:"-" json:"total_gross"`
	Vehicle      Vehicle  `xml:"Vehicle" json:"vehicle"`
	Fees         []Fee    `xml:"Fees>Fee" json:"fees,omitempty"`
}

// Vehicle identifies the unit sold on a deal statement.
type Vehicle struct {
	Year  int    `xml:"Year" json:"year"`
	Make  string `xml:"Make" json:"make"`
	Model string `xml:"Model" json:"model"`
	VIN   string `xml:"VIN" json:"vin"`
}

// Fee is a single line item on a deal statement.
type Fee struct {
	Name   string  `xml:"Name" json:"name"`
	Amount float64 `xml:"Amount" json:"amount"`
}

// archiveKey is the object key the DMS files a deal statement under.
func archiveKey(dealerID int, dealNumber string) string {
	return fmt.Sprintf("/%d/%s/%s", dealerID, dms.DealDomain, dms.HostItemID(dealNumber))
}

// GrossProfit fetches and parses the archived deal statement for a deal.
// Archive and parse failures are reported to Sentry and come back as a
// nil statement, never an error.
func (s *Service) GrossProfit(ctx context.Context, dealerID int, dealNumber string) *DealStatement {
	key := archiveKey(dealerID, dealNumber)

	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.archiveBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		sentry.CaptureException(err)
		s.log.Warn("fetching deal statement", "dealer_id", dealerID, "deal_number", dealNumber, "error", err)
		return nil
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		sentry.CaptureException(err)
		s.log.Warn("reading deal statement", "dealer_id", dealerID, "deal_number", dealNumber, "error", err)
		return nil
	}

	var statement DealStatement
	if err := xml.Unmarshal(data, &statement); err != nil {
		sentry.CaptureException(err)
		s.log.Warn("parsing deal statement", "dealer_id", dealerID, "deal_number", dealNumber, "error", err)
		return nil
	}
	statement.TotalGross = statement.FrontGross + statement.BackGross
	return &statement
}

// SaveAttachment stores an attachment object under the given key.
func (s *Service) SaveAttachment(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.attachmentBucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return domain.NewExternalError("s3", err)
	}
	return nil
}

// AttachmentURL presigns a download link for a stored attachment.
func (s *Service) AttachmentURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	out, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.attachmentBucket),
		Key:    aws.String(key),
	}, func(po *s3.PresignOptions) {
		po.Expires = expiry
	})
	if err != nil {
		return "", domain.NewExternalError("s3", err)
	}
	return out.URL, nil
}
