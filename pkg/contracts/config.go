// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package contracts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StorageOptions holds storage-related options
type StorageOptions struct {
	// AWS S3 Options
	S3Config *S3Config `json:"s3_config,omitempty" yaml:"s3_config,omitempty"`

	// Azure Blob Storage Options
	AzureConfig *AzureConfig `json:"azure_config,omitempty" yaml:"azure_config,omitempty"`

	// Google Cloud Storage Options
	GCSConfig *GCSConfig `json:"gcs_config,omitempty" yaml:"gcs_config,omitempty"`

	// Local File System Options
	LocalConfig *LocalConfig `json:"local_config,omitempty" yaml:"local_config,omitempty"`

	// General Options
	BlockSize          *int    `json:"block_size,omitempty" yaml:"block_size,omitempty"`                         // Block size in bytes
	MaxRetries         *int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`                       // Maximum retry attempts
	RetryDelay         *int    `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`                       // Retry delay in milliseconds
	Timeout            *int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`                               // Request timeout in seconds
	AllowHTTP          *bool   `json:"allow_http,omitempty" yaml:"allow_http,omitempty"`                         // Allow HTTP connections (insecure)
	UserAgent          *string `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`                         // Custom User-Agent header
	ConnectTimeout     *int    `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`               // Connection timeout in seconds
	ReadTimeout        *int    `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`                     // Read timeout in seconds
	PoolIdleTimeout    *int    `json:"pool_idle_timeout,omitempty" yaml:"pool_idle_timeout,omitempty"`           // Connection pool idle timeout
	PoolMaxIdlePerHost *int    `json:"pool_max_idle_per_host,omitempty" yaml:"pool_max_idle_per_host,omitempty"` // Max idle connections per host
}

// S3Config holds AWS S3 specific configuration
type S3Config struct {
	AccessKeyID       *string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey   *string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	SessionToken      *string `json:"session_token,omitempty" yaml:"session_token,omitempty"`
	Region            *string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint          *string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`                       // Custom endpoint (e.g., MinIO)
	ForcePathStyle    *bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`       // Use path-style addressing
	Profile           *string `json:"profile,omitempty" yaml:"profile,omitempty"`                         // AWS profile name
	AnonymousAccess   *bool   `json:"anonymous_access,omitempty" yaml:"anonymous_access,omitempty"`       // Use anonymous access
	UseSSL            *bool   `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty"`                         // Use HTTPS
	ServerSideEncrypt *string `json:"server_side_encrypt,omitempty" yaml:"server_side_encrypt,omitempty"` // Server-side encryption
	SSEKMSKeyID       *string `json:"sse_kms_key_id,omitempty" yaml:"sse_kms_key_id,omitempty"`           // KMS key ID for encryption
	StorageClass      *string `json:"storage_class,omitempty" yaml:"storage_class,omitempty"`             // Storage class (STANDARD, IA, etc.)
}

// AzureConfig holds Azure Blob Storage specific configuration
type AzureConfig struct {
	AccountName  *string `json:"account_name,omitempty" yaml:"account_name,omitempty"`
	AccessKey    *string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SasToken     *string `json:"sas_token,omitempty" yaml:"sas_token,omitempty"`
	TenantID     *string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	ClientID     *string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret *string `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	Authority    *string `json:"authority,omitempty" yaml:"authority,omitempty"`           // Authority URL
	Endpoint     *string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`             // Custom endpoint
	UseHTTPS     *bool   `json:"use_https,omitempty" yaml:"use_https,omitempty"`           // Use HTTPS
	UseManagedID *bool   `json:"use_managed_id,omitempty" yaml:"use_managed_id,omitempty"` // Use managed identity
}

// GCSConfig holds Google Cloud Storage specific configuration
type GCSConfig struct {
	ServiceAccountPath     *string `json:"service_account_path,omitempty" yaml:"service_account_path,omitempty"` // Path to service account JSON
	ServiceAccountKey      *string `json:"service_account_key,omitempty" yaml:"service_account_key,omitempty"`   // Service account JSON as string
	ProjectID              *string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	ApplicationCredentials *string `json:"application_credentials,omitempty" yaml:"application_credentials,omitempty"` // GOOGLE_APPLICATION_CREDENTIALS
	Endpoint               *string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`                               // Custom endpoint
	AnonymousAccess        *bool   `json:"anonymous_access,omitempty" yaml:"anonymous_access,omitempty"`               // Use anonymous access
	UseSSL                 *bool   `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty"`                                 // Use HTTPS
}

// LocalConfig holds local file system specific configuration
type LocalConfig struct {
	CreateDirIfNotExists *bool `json:"create_dir_if_not_exists,omitempty" yaml:"create_dir_if_not_exists,omitempty"` // Create directory if it doesn't exist
	UseMemoryMap         *bool `json:"use_memory_map,omitempty" yaml:"use_memory_map,omitempty"`                     // Use memory mapping for files
	SyncWrites           *bool `json:"sync_writes,omitempty" yaml:"sync_writes,omitempty"`                           // Sync writes to disk immediately
}

// EngineOptions tunes the embedded engine
type EngineOptions struct {
	// MaxRowsPerFile splits large writes into several fragments
	MaxRowsPerFile int `json:"max_rows_per_file,omitempty" yaml:"max_rows_per_file,omitempty"`
	// MaxRowsPerGroup is the batch size inside data files and result streams
	MaxRowsPerGroup int `json:"max_rows_per_group,omitempty" yaml:"max_rows_per_group,omitempty"`
	// FragmentCacheSize is the number of decoded data files kept in memory
	FragmentCacheSize int `json:"fragment_cache_size,omitempty" yaml:"fragment_cache_size,omitempty"`
	// IndexCacheSize is the number of loaded indices kept in memory
	IndexCacheSize int `json:"index_cache_size,omitempty" yaml:"index_cache_size,omitempty"`
	// ScanConcurrency bounds parallel fragment reads
	ScanConcurrency int `json:"scan_concurrency,omitempty" yaml:"scan_concurrency,omitempty"`
	// DefaultNprobes applies when a vector query leaves nprobes unset
	DefaultNprobes int `json:"default_nprobes,omitempty" yaml:"default_nprobes,omitempty"`
}

// LogOptions configures the zap logger built for a connection
type LogOptions struct {
	// Level is one of debug, info, warn, error; empty disables logging
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	// Format is json or console
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// ApplyDefaults fills unset engine options
func (o *EngineOptions) ApplyDefaults() {
	if o.MaxRowsPerFile <= 0 {
		o.MaxRowsPerFile = 1024 * 1024
	}
	if o.MaxRowsPerGroup <= 0 {
		o.MaxRowsPerGroup = 1024
	}
	if o.FragmentCacheSize <= 0 {
		o.FragmentCacheSize = 256
	}
	if o.IndexCacheSize <= 0 {
		o.IndexCacheSize = 64
	}
	if o.ScanConcurrency <= 0 {
		o.ScanConcurrency = 4
	}
	if o.DefaultNprobes <= 0 {
		o.DefaultNprobes = 20
	}
}

// LoadConnectionOptions reads ConnectionOptions from a YAML file
func LoadConnectionOptions(path string) (*ConnectionOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var opts ConnectionOptions
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if opts.EngineOptions == nil {
		opts.EngineOptions = &EngineOptions{}
	}
	opts.EngineOptions.ApplyDefaults()
	return &opts, nil
}
