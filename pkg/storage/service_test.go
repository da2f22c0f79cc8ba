package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerdesk/crm-backend/pkg/logger"
)

// mockTransport fakes the S3 object API: GET serves from an in-memory
// map keyed by object key, PUT accepts anything. Path-style requests
// only, so the key is everything after the bucket segment.
type mockTransport struct {
	objects map[string][]byte
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	switch req.Method {
	case http.MethodGet:
		if body, ok := m.objects[key]; ok {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(bytes.NewReader(body)),
				Header: http.Header{
					"Content-Length": {strconv.Itoa(len(body))},
					"Content-Type":   {"application/xml"},
				},
			}, nil
		}
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	case http.MethodPut:
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"ETag": {"\"etag\""}}}, nil
	}
	return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
}

func newTestService(t *testing.T, objects map[string][]byte) *Service {
	t.Helper()

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.UsePathStyle = true
		o.HTTPClient = &http.Client{Transport: &mockTransport{objects: objects}}
	})

	return &Service{
		s3Client:         client,
		presign:          s3.NewPresignClient(client),
		archiveBucket:    "dms-archive",
		attachmentBucket: "dealer-attachments",
		log:              logger.Nop(),
	}
}

const statementXML = `<?xml version="1.0"?>
<DealStatement>
  <DealNumber>D100</DealNumber>
  <DealType>New</DealType>
  <CustomerName>Maria Lopez</CustomerName>
  <FrontGross>1250.50</FrontGross>
  <BackGross>800.25</BackGross>
  <Vehicle><Year>2026</Year><Make>Toyota</Make><Model>Tacoma</Model><VIN>3TMCZ5AN0PM123456</VIN></Vehicle>
  <Fees><Fee><Name>Doc Fee</Name><Amount>85</Amount></Fee></Fees>
</DealStatement>`

func TestGrossProfit(t *testing.T) {
	t.Run("parses the archived statement", func(t *testing.T) {
		svc := newTestService(t, map[string][]byte{
			"/10/VehicleSales/FI-WIP*D100": []byte(statementXML),
		})

		statement := svc.GrossProfit(context.Background(), 10, "D100")
		require.NotNil(t, statement)
		assert.Equal(t, "D100", statement.DealNumber)
		assert.Equal(t, "New", statement.DealType)
		assert.Equal(t, "Maria Lopez", statement.CustomerName)
		assert.Equal(t, 1250.50, statement.FrontGross)
		assert.Equal(t, 800.25, statement.BackGross)
		assert.Equal(t, 2050.75, statement.TotalGross)
		assert.Equal(t, Vehicle{Year: 2026, Make: "Toyota", Model: "Tacoma", VIN: "3TMCZ5AN0PM123456"}, statement.Vehicle)
		require.Len(t, statement.Fees, 1)
		assert.Equal(t, Fee{Name: "Doc Fee", Amount: 85}, statement.Fees[0])
	})

	t.Run("missing archive object", func(t *testing.T) {
		svc := newTestService(t, map[string][]byte{})
		assert.Nil(t, svc.GrossProfit(context.Background(), 10, "D404"))
	})

	t.Run("malformed statement", func(t *testing.T) {
		svc := newTestService(t, map[string][]byte{
			"/10/VehicleSales/FI-WIP*D100": []byte("not xml at all <"),
		})
		assert.Nil(t, svc.GrossProfit(context.Background(), 10, "D100"))
	})
}

func TestArchiveKey(t *testing.T) {
	assert.Equal(t, "/42/VehicleSales/FI-WIP*88123", archiveKey(42, "88123"))
}

func TestSaveAttachment(t *testing.T) {
	svc := newTestService(t, map[string][]byte{})
	err := svc.SaveAttachment(context.Background(), "uploads/contract.pdf", strings.NewReader("%PDF-1.4"), "application/pdf")
	require.NoError(t, err)
}

func TestAttachmentURL(t *testing.T) {
	svc := newTestService(t, map[string][]byte{})

	url, err := svc.AttachmentURL(context.Background(), "uploads/contract.pdf", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "dealer-attachments")
	assert.Contains(t, url, "X-Amz-Signature")

	url, err = svc.AttachmentURL(context.Background(), "uploads/contract.pdf", 0)
	require.NoError(t, err)
	assert.Contains(t, url, "X-Amz-Signature")
}
