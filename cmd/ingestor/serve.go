package ingestor

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/hmcts/bulk-scan-processor/internal/blobgateway"
	bspconfig "github.com/hmcts/bulk-scan-processor/internal/config"
	"github.com/hmcts/bulk-scan-processor/internal/docstore"
	"github.com/hmcts/bulk-scan-processor/internal/ingestion"
	"github.com/hmcts/bulk-scan-processor/internal/notify"
	"github.com/hmcts/bulk-scan-processor/internal/scheduler"
	"github.com/hmcts/bulk-scan-processor/internal/store"
	"github.com/hmcts/bulk-scan-processor/internal/sweeper"
	"github.com/hmcts/bulk-scan-processor/internal/telemetry"
	"github.com/hmcts/bulk-scan-processor/internal/uploader"
	"github.com/hmcts/bulk-scan-processor/internal/zipsig"
	"github.com/hmcts/bulk-scan-processor/pkg/database/postgresdb"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion, upload, and completion-sweep drivers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("public-key", "", "path to the base64 X.509 SubjectPublicKeyInfo used to verify archive signatures")
	_ = viper.BindPFlag("signature.public_key_file", serveCmd.Flags().Lookup("public-key"))

	serveCmd.Flags().String("sentry-dsn", "", "Sentry DSN for UnclassifiedException reporting")
	_ = viper.BindPFlag("sentry.dsn", serveCmd.Flags().Lookup("sentry-dsn"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := bspconfig.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if dsn := viper.GetString("sentry.dsn"); dsn != "" {
		telemetry.SetupErrorReporting(dsn, "production")
	}

	sqlDB, err := postgresdb.New(cfg.Database.URL, "",
		postgresdb.WithMaxOpenConns(cfg.Database.MaxOpenConns),
		postgresdb.WithMaxIdleConns(cfg.Database.MaxIdleConns),
		postgresdb.WithConnMaxLifetime(cfg.Database.ConnMaxLifetime))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("opening gorm over database connection: %w", err)
	}

	s := store.New(db)
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}

	containers := make([]string, 0, len(cfg.Jurisdictions))
	for container := range cfg.Jurisdictions {
		containers = append(containers, container)
	}
	gw := blobgateway.New(awsCfg, containers, cfg.Blob.LeaseTable)

	publicKey := ""
	if cfg.Signature.PublicKeyFile != "" {
		raw, err := os.ReadFile(cfg.Signature.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("reading signature public key file: %w", err)
		}
		publicKey = string(raw)
	}
	verifier, err := zipsig.NewVerifier(zipsig.Algorithm(cfg.Signature.Algorithm), publicKey)
	if err != nil {
		return fmt.Errorf("constructing signature verifier: %w", err)
	}

	docs, err := docstore.New(cfg.Document.Endpoint, cfg.Document.Bucket, cfg.Document.PublicBaseURL, minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Document.AccessKey, cfg.Document.SecretKey, ""),
		Secure: cfg.Document.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("constructing document store: %w", err)
	}

	notifier, err := notify.New(sqlDB, awsCfg, cfg.Notify.QueueURL)
	if err != nil {
		return fmt.Errorf("constructing notifier: %w", err)
	}
	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("starting notifier: %w", err)
	}
	defer notifier.Stop(ctx)

	coordinator := ingestion.New(gw, verifier, s, notifier, cfg.Jurisdictions, cfg.TestContainers, cfg.Blob.ProcessingDelay, cfg.Blob.LeaseTTL)
	upl := uploader.New(gw, verifier, docs, s, cfg.MaxUploadFailures, cfg.Blob.LeaseTTL)
	swp := sweeper.New(gw, s, cfg.Schedule.SweepGrace)

	clock := scheduler.RealClock{}
	scheduler.Run(ctx, clock, coordinator, cfg.Schedule.IngestionDelay)
	scheduler.Run(ctx, clock, upl, cfg.Schedule.UploadDelay)
	scheduler.Run(ctx, clock, swp, cfg.Schedule.SweepDelay)

	log.Infow("bulk-scan-processor started",
		"containers", containers,
		"ingestion_delay", cfg.Schedule.IngestionDelay,
		"upload_delay", cfg.Schedule.UploadDelay,
		"sweep_delay", cfg.Schedule.SweepDelay)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
