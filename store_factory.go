package coordd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
	azurestore "github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage/azure"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage/disk"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage/memory"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage/s3"
)

func openBackend(cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "s3":
		s3cfg, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureObjectStoreReady(context.Background(), backend); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(awscfg)
		if err != nil {
			return nil, err
		}
		if err := ensureObjectStoreReady(context.Background(), backend); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "disk":
		root, err := BuildDiskRoot(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(disk.Config{Root: root, Watch: true})
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildGenericS3Config parses s3:// URLs targeting S3-compatible services
// (MinIO and friends).
func BuildGenericS3Config(cfg Config) (s3.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket name")
	}
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	cred, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    cred,
	}, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 with regional
// configuration. Credentials resolve through the SDK's default chain.
func BuildAWSConfig(cfg Config) (s3.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return s3.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	region := strings.TrimSpace(cfg.AWSRegion)
	query := u.Query()
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
	if region == "" {
		return s3.Config{}, fmt.Errorf("aws store requires region (set aws-region, ?region=, or AWS_REGION)")
	}
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	endpoint := query.Get("endpoint")
	if endpoint == "" {
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", region)
	}
	return s3.Config{
		Endpoint: endpoint,
		Region:   region,
		Bucket:   bucket,
		Prefix:   prefix,
		Insecure: !secure,
	}, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("COORDD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("COORDD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("COORDD_S3_SESSION_TOKEN")
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("AWS_SESSION_TOKEN")
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return minioCredentials.NewStaticV4("", "", ""), nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), nil
}

func ensureObjectStoreReady(ctx context.Context, backend storage.Backend) error {
	s3store, ok := backend.(*s3.Store)
	if !ok {
		return nil
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	bucket := s3store.Config().Bucket
	exists, err := s3store.Client().BucketExists(timeoutCtx, bucket)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildAzureConfig derives the Azure backend configuration from the store URL
// and the usual environment fallbacks.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	container := parts[0]
	prefix := ""
	if len(parts) == 2 {
		prefix = parts[1]
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("COORDD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("COORDD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		SASToken:   sas,
		Endpoint:   endpoint,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskRoot parses disk:// URLs into an absolute backend root directory.
func BuildDiskRoot(cfg Config) (string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	root := u.Path
	if u.Host != "" {
		// disk://relative/path puts the first segment in Host.
		root = filepath.Join(u.Host, strings.TrimPrefix(u.Path, "/"))
	}
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("disk store missing path (expected disk:///var/lib/coordd)")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve disk store path: %w", err)
	}
	return abs, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
