package uploader_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/hmcts/bulk-scan-processor/internal/blobgateway"
	"github.com/hmcts/bulk-scan-processor/internal/docstore"
	"github.com/hmcts/bulk-scan-processor/internal/model"
	"github.com/hmcts/bulk-scan-processor/internal/store"
	"github.com/hmcts/bulk-scan-processor/internal/uploader"
	"github.com/hmcts/bulk-scan-processor/internal/zipsig"
)

const testContainer = "bulkscan"

// fixture bundles the three backends one uploader test needs: a Gateway
// over S3/DynamoDB for the archive and its lease, a Store over Postgres for
// envelope rows, and a docstore.Store over minio for the upload sink.
// Skips entirely when any of BSP_TEST_AWS_ENDPOINT, BSP_TEST_POSTGRES_DSN
// or BSP_TEST_MINIO_ENDPOINT is unset — no in-process fake for any of these
// is grounded anywhere in the pack.
type fixture struct {
	uploader   *uploader.Uploader
	s3         *s3.Client
	store      *store.Store
	privateKey *rsa.PrivateKey
}

func newFixture(t *testing.T, leaseTTL time.Duration) *fixture {
	t.Helper()
	awsEndpoint := os.Getenv("BSP_TEST_AWS_ENDPOINT")
	if awsEndpoint == "" {
		t.Skip("BSP_TEST_AWS_ENDPOINT not set, skipping uploader integration test")
	}
	dsn := os.Getenv("BSP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BSP_TEST_POSTGRES_DSN not set, skipping uploader integration test")
	}
	minioEndpoint := os.Getenv("BSP_TEST_MINIO_ENDPOINT")
	if minioEndpoint == "" {
		t.Skip("BSP_TEST_MINIO_ENDPOINT not set, skipping uploader integration test")
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)

	gw := blobgateway.New(cfg, []string{testContainer}, "bulk-scan-leases", func(o *s3.Options) {
		o.BaseEndpoint = &awsEndpoint
		o.UsePathStyle = true
	})
	rawS3 := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = &awsEndpoint
		o.UsePathStyle = true
	})

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))

	bucket := "bulk-scan-documents-test-" + uuid.NewString()
	docs, err := docstore.New(minioEndpoint, bucket, "http://localhost:8080", minio.Options{
		Creds: miniocreds.NewStaticV4(
			os.Getenv("BSP_TEST_MINIO_ACCESS_KEY"),
			os.Getenv("BSP_TEST_MINIO_SECRET_KEY"),
			""),
		Secure: false,
	})
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubB64 := base64.StdEncoding.EncodeToString(der)

	verifier, err := zipsig.NewVerifier(zipsig.SHA256WithRSA, pubB64)
	require.NoError(t, err)

	up := uploader.New(gw, verifier, docs, st, 0, leaseTTL)

	return &fixture{uploader: up, s3: rawS3, store: st, privateKey: key}
}

type scannableItemSpec struct {
	DocumentControlNumber string `json:"document_control_number"`
	FileName              string `json:"file_name"`
}

type envelopeMetadata struct {
	Jurisdiction           string              `json:"jurisdiction"`
	EnvelopeClassification string              `json:"envelope_classification"`
	ZipFileName            string              `json:"zip_file_name"`
	ScannableItems         []scannableItemSpec `json:"scannable_items"`
}

// buildSignedArchive builds the inner metadata.json+pdf archive and wraps it
// in the signed envelope.zip/signature outer archive that zipsig.Verifier
// and the uploader's re-verification step both expect.
func buildSignedArchive(t *testing.T, key *rsa.PrivateKey, meta envelopeMetadata, pdfNames []string) []byte {
	t.Helper()
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)

	var innerBuf bytes.Buffer
	iw := zip.NewWriter(&innerBuf)
	w, err := iw.Create("metadata.json")
	require.NoError(t, err)
	_, err = w.Write(metaJSON)
	require.NoError(t, err)
	for _, name := range pdfNames {
		w, err := iw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("%PDF-1.4 fake content for " + name))
		require.NoError(t, err)
	}
	require.NoError(t, iw.Close())
	inner := innerBuf.Bytes()

	digest := sha256.Sum256(inner)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	var outerBuf bytes.Buffer
	ow := zip.NewWriter(&outerBuf)
	w, err = ow.Create("envelope.zip")
	require.NoError(t, err)
	_, err = w.Write(inner)
	require.NoError(t, err)
	w, err = ow.Create("signature")
	require.NoError(t, err)
	_, err = w.Write(sig)
	require.NoError(t, err)
	require.NoError(t, ow.Close())
	return outerBuf.Bytes()
}

func (f *fixture) putArchive(t *testing.T, name string, data []byte) {
	t.Helper()
	_, err := f.s3.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(testContainer),
		Key:    aws.String(name),
		Body:   bytes.NewReader(data),
	})
	require.NoError(t, err)
}

// createEnvelope persists a CREATED envelope row the uploader can pick up as
// an upload candidate, independent of whether its archive is present yet.
func (f *fixture) createEnvelope(t *testing.T, name, jurisdiction string, items []scannableItemSpec) *model.Envelope {
	t.Helper()
	env := &model.Envelope{
		ID:             model.NewID(),
		Container:      testContainer,
		Jurisdiction:   jurisdiction,
		Classification: "NEW_APPLICATION",
		ZipFileName:    name,
	}
	for _, item := range items {
		env.ScannableItems = append(env.ScannableItems, model.ScannableItem{
			ID:                    model.NewID(),
			DocumentControlNumber: item.DocumentControlNumber,
			FileName:              item.FileName,
		})
	}
	require.NoError(t, f.store.CreateEnvelope(context.Background(), env))
	return env
}

func TestTickHappyPathUploadsAndTransitionsToUploaded(t *testing.T) {
	f := newFixture(t, time.Minute)
	name := uuid.NewString() + ".zip"
	items := []scannableItemSpec{{DocumentControlNumber: "1111001", FileName: "1111001.pdf"}}

	archive := buildSignedArchive(t, f.privateKey, envelopeMetadata{
		Jurisdiction:           "divorce",
		EnvelopeClassification: "NEW_APPLICATION",
		ZipFileName:            name,
		ScannableItems:         items,
	}, []string{"1111001.pdf"})
	f.putArchive(t, name, archive)
	f.createEnvelope(t, name, "divorce", items)

	require.NoError(t, f.uploader.Tick(context.Background()))

	reloaded, err := f.store.FindByContainerAndFilename(context.Background(), testContainer, name)
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	require.Equal(t, model.StatusUploaded, reloaded.Status)
}

// TestTickUploadFailureThenRetrySucceeds exercises the upload-transient-
// then-retry scenario: the first tick finds no archive behind the envelope
// row yet (the blob store write hasn't landed, a real race the gateway
// sees as ErrNotFound) and records an upload failure; once the archive
// appears, the next tick succeeds and transitions the envelope forward,
// the same outcome a document-store failure that outlasts
// uploadRetryBudget and clears before the next tick would produce.
func TestTickUploadFailureThenRetrySucceeds(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond)
	name := uuid.NewString() + ".zip"
	items := []scannableItemSpec{{DocumentControlNumber: "1111002", FileName: "1111002.pdf"}}
	f.createEnvelope(t, name, "divorce", items)

	require.NoError(t, f.uploader.Tick(context.Background()))

	afterFirstTick, err := f.store.FindByContainerAndFilename(context.Background(), testContainer, name)
	require.NoError(t, err)
	require.Equal(t, model.StatusUploadFailure, afterFirstTick.Status)

	archive := buildSignedArchive(t, f.privateKey, envelopeMetadata{
		Jurisdiction:           "divorce",
		EnvelopeClassification: "NEW_APPLICATION",
		ZipFileName:            name,
		ScannableItems:         items,
	}, []string{"1111002.pdf"})
	f.putArchive(t, name, archive)

	time.Sleep(600 * time.Millisecond) // let the short lease from tick 1 expire
	require.NoError(t, f.uploader.Tick(context.Background()))

	afterSecondTick, err := f.store.FindByContainerAndFilename(context.Background(), testContainer, name)
	require.NoError(t, err)
	require.Equal(t, model.StatusUploaded, afterSecondTick.Status)
}

func TestNameIdentifiesDriver(t *testing.T) {
	gw := blobgateway.New(aws.Config{}, []string{testContainer}, "leases")
	v, err := zipsig.NewVerifier(zipsig.None, "")
	require.NoError(t, err)
	up := uploader.New(gw, v, nil, nil, 0, 0)
	require.Equal(t, "document-uploader", up.Name())
}
