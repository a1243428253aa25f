// mailreport watches a mailbox for PDF attachments, extracts their
// embedded images, and reassembles them into captioned report PDFs.
//
// It runs one mailbox cycle per invocation:
//  1. Loads configuration from config.yaml
//  2. Resolves the mailbox secret (config, system keyring, environment)
//  3. Connects to the IMAP server and fetches unseen qualifying emails
//  4. Processes every PDF attachment into a report
//  5. Persists the outcome records and prints a summary
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nhle/mailreport/internal/attach"
	"github.com/nhle/mailreport/internal/credential"
	"github.com/nhle/mailreport/internal/imaging"
	"github.com/nhle/mailreport/internal/mailbox"
	"github.com/nhle/mailreport/internal/model"
	"github.com/nhle/mailreport/internal/pdfimage"
	"github.com/nhle/mailreport/internal/pipeline"
	"github.com/nhle/mailreport/internal/report"
	"github.com/nhle/mailreport/internal/store"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to config.yaml")
	jsonLogs := flag.Bool("json-logs", false, "emit JSON logs instead of text")
	flag.Parse()

	var handler slog.Handler
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("cycle failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	password, err := credential.MailboxPassword(cfg.Mailbox.Password, cfg.Mailbox.Username)
	if err != nil {
		return err
	}
	cfg.Mailbox.Password = password

	outcomes, err := store.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening outcome store: %w", err)
	}
	defer outcomes.Close()

	attachments, err := attach.NewStore(cfg.Storage.AttachmentDir, logger)
	if err != nil {
		return fmt.Errorf("creating attachment store: %w", err)
	}

	normalizer, err := imaging.NewNormalizer(
		filepath.Join(cfg.Storage.AttachmentDir, "processed"), cfg.Image.Quality, logger,
	)
	if err != nil {
		return fmt.Errorf("creating normalizer: %w", err)
	}

	assembler, err := report.NewAssembler(report.Options{
		OutputDir:       cfg.Storage.OutputDir,
		PageSize:        cfg.Report.PageSize,
		LogoPath:        cfg.Report.LogoPath,
		IncludeMetadata: cfg.Report.IncludeMetadata,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating assembler: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(
		pipeline.Deps{
			Mailbox:     pipeline.Connector{Client: mailbox.NewClient(cfg.Credentials(), logger)},
			Attachments: attachments,
			Extractor:   pdfimage.NewExtractor(logger),
			Normalizer:  normalizer,
			Assembler:   assembler,
		},
		pipeline.Options{
			Filter:              cfg.Filter(),
			MaxWidth:            cfg.Image.MaxWidth,
			MaxHeight:           cfg.Image.MaxHeight,
			Workers:             cfg.Pipeline.Workers,
			DefaultTitle:        cfg.Report.DefaultTitle,
			KeepProcessedImages: cfg.Storage.KeepProcessedImages,
			OnOutcome: func(rec model.OutcomeRecord) {
				if err := outcomes.SaveOutcome(ctx, rec); err != nil {
					logger.Error("persisting outcome", "id", rec.ID, "error", err)
				}
			},
		},
		logger,
	)

	result, err := runner.RunCycle(ctx)
	if err != nil {
		return err
	}

	stats, statsErr := outcomes.Stats(ctx)
	if statsErr != nil {
		logger.Warn("reading outcome stats", "error", statsErr)
	}

	logger.Info("mailreport cycle finished",
		"emailsSeen", result.EmailsSeen,
		"attachments", result.Attachments,
		"reports", result.Reports,
		"totalRecorded", stats.Total,
	)

	for _, rec := range result.Outcomes {
		switch rec.Status {
		case model.OutcomeSuccess:
			fmt.Printf("success  %-40q  %d image(s)  %s\n", rec.EmailSubject, rec.ImageCount, rec.ReportPath)
		case model.OutcomeWarning:
			fmt.Printf("warning  %-40q  %s\n", rec.EmailSubject, rec.Reason)
		case model.OutcomeFailure:
			fmt.Printf("failure  %-40q  %s\n", rec.EmailSubject, rec.Reason)
		}
	}

	return nil
}
