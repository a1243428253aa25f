package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// MailboxConfig holds the IMAP connection settings.
type MailboxConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password may be left empty, in which case the secret is
	// resolved from the system keyring or the environment.
	Password string `mapstructure:"password" yaml:"password"`

	TLS bool `mapstructure:"tls" yaml:"tls"`

	// AllowedSenders is the sender allow-list applied to the unseen
	// message search.
	AllowedSenders []string `mapstructure:"allowed_senders" yaml:"allowed_senders"`
}

// ImageConfig bounds the image normalization stage.
type ImageConfig struct {
	MaxWidth  int `mapstructure:"max_width" yaml:"max_width"`
	MaxHeight int `mapstructure:"max_height" yaml:"max_height"`

	// Quality selects the resampling tier: "high", "medium" or "low".
	Quality string `mapstructure:"quality" yaml:"quality"`
}

// ReportConfig controls report PDF generation.
type ReportConfig struct {
	// DefaultTitle is used when the email subject is blank.
	DefaultTitle string `mapstructure:"default_title" yaml:"default_title"`

	// LogoPath is an optional logo rendered on a cover page. A
	// missing file skips the cover page.
	LogoPath string `mapstructure:"logo_path" yaml:"logo_path"`

	// PageSize is a named preset: "A4", "Letter" or "Legal".
	PageSize string `mapstructure:"page_size" yaml:"page_size"`

	// IncludeMetadata controls whether title/author/creation date are
	// written into the document info dictionary.
	IncludeMetadata bool `mapstructure:"include_metadata" yaml:"include_metadata"`
}

// StorageConfig holds the two filesystem roots the pipeline writes
// under, plus the outcome database location.
type StorageConfig struct {
	AttachmentDir string `mapstructure:"attachment_dir" yaml:"attachment_dir"`
	OutputDir     string `mapstructure:"output_dir" yaml:"output_dir"`
	DatabasePath  string `mapstructure:"database_path" yaml:"database_path"`

	// KeepProcessedImages retains normalized image files after the
	// report embedding them has been written.
	KeepProcessedImages bool `mapstructure:"keep_processed_images" yaml:"keep_processed_images"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	// Workers bounds concurrent attachment processing. Sized to keep
	// simultaneously buffered decoded images within memory.
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// Config is the top-level configuration consumed by the pipeline.
type Config struct {
	Mailbox  MailboxConfig  `mapstructure:"mailbox" yaml:"mailbox"`
	Image    ImageConfig    `mapstructure:"image" yaml:"image"`
	Report   ReportConfig   `mapstructure:"report" yaml:"report"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
}

// Credentials builds the MailboxCredentials for this configuration.
func (c *Config) Credentials() MailboxCredentials {
	return MailboxCredentials{
		Host:     c.Mailbox.Host,
		Port:     c.Mailbox.Port,
		Username: c.Mailbox.Username,
		Password: c.Mailbox.Password,
		TLS:      c.Mailbox.TLS,
	}
}

// Filter builds the SenderFilter for this configuration.
func (c *Config) Filter() SenderFilter {
	return SenderFilter{Allowed: c.Mailbox.AllowedSenders}
}

// DefaultConfigPath returns the default path for the configuration
// file, located at ~/.config/mailreport/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailreport", "config.yaml")
}

// defaultConfig returns a sensible default configuration.
func defaultConfig() *Config {
	return &Config{
		Mailbox: MailboxConfig{
			Port: "993",
			TLS:  true,
		},
		Image: ImageConfig{
			MaxWidth:  800,
			MaxHeight: 1000,
			Quality:   "high",
		},
		Report: ReportConfig{
			DefaultTitle:    "Generated Report",
			PageSize:        "A4",
			IncludeMetadata: true,
		},
		Storage: StorageConfig{
			AttachmentDir: "uploads/pdfs",
			OutputDir:     "output",
			DatabasePath:  "mailreport.db",

			KeepProcessedImages: true,
		},
		Pipeline: PipelineConfig{
			Workers: 4,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, it returns a default
// configuration.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("mailbox.port", "993")
	v.SetDefault("mailbox.tls", true)
	v.SetDefault("image.max_width", 800)
	v.SetDefault("image.max_height", 1000)
	v.SetDefault("image.quality", "high")
	v.SetDefault("report.default_title", "Generated Report")
	v.SetDefault("report.page_size", "A4")
	v.SetDefault("report.include_metadata", true)
	v.SetDefault("storage.attachment_dir", "uploads/pdfs")
	v.SetDefault("storage.output_dir", "output")
	v.SetDefault("storage.database_path", "mailreport.db")
	v.SetDefault("storage.keep_processed_images", true)
	v.SetDefault("pipeline.workers", 4)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Pipeline.Workers < 1 {
		cfg.Pipeline.Workers = 1
	}

	return cfg, nil
}
