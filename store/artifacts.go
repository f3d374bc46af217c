package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"
)

// DefaultRegion is the AWS region used when none is configured.
const DefaultRegion = "eu-west-3"

// ErrArtifactNotFound is returned by Download when the object does not exist.
var ErrArtifactNotFound = errors.New("artifact not found")

// S3API is the subset of the S3 client used by ArtifactStore.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// ArtifactConfig configures the S3 artifact store.
type ArtifactConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	KMSKeyID string `yaml:"kms_key_id"`

	// Static credentials; the default credential chain is used when empty.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// CompressionLevel is the gzip level (1-9). Zero disables compression.
	CompressionLevel int `yaml:"compression_level"`
}

// ArtifactStore publishes pipeline outputs to S3, gzip-compressed and
// optionally encrypted with a KMS data key.
type ArtifactStore struct {
	Bucket           string
	Prefix           string
	KMSKeyID         string
	CompressionLevel int

	s3     S3API
	kms    KMSAPI
	logger *zap.Logger
}

// LoadAWSConfig loads the AWS configuration for region, using a shared
// profile or static credentials when given.
func LoadAWSConfig(ctx context.Context, region, profile, accessKeyID, secretAccessKey string) (aws.Config, error) {
	if region == "" {
		region = DefaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if accessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return awsCfg, nil
}

// NewArtifactStore validates the AWS credentials and returns a store.
func NewArtifactStore(ctx context.Context, cfg ArtifactConfig, logger *zap.Logger) (*ArtifactStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifact bucket is required")
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg.Region, cfg.Profile, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, err
	}

	// Validate credentials
	stsClient := sts.NewFromConfig(awsCfg)
	if _, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return nil, fmt.Errorf("invalid AWS credentials: %w", err)
	}

	return NewArtifactStoreWithClients(cfg, s3.NewFromConfig(awsCfg), kms.NewFromConfig(awsCfg), logger), nil
}

// NewArtifactStoreWithClients returns a store using the given clients.
func NewArtifactStoreWithClients(cfg ArtifactConfig, s3Client S3API, kmsClient KMSAPI, logger *zap.Logger) *ArtifactStore {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ArtifactStore{
		Bucket:           cfg.Bucket,
		Prefix:           cfg.Prefix,
		KMSKeyID:         cfg.KMSKeyID,
		CompressionLevel: cfg.CompressionLevel,
		s3:               s3Client,
		kms:              kmsClient,
		logger:           logger,
	}
}

// Key returns the object key for a pipeline output file.
func (a *ArtifactStore) Key(pipeline, name string) string {
	return path.Join(a.Prefix, pipeline, name)
}

// Upload publishes the local file at localPath under key.
func (a *ArtifactStore) Upload(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	originalSize := len(data)
	metadata := map[string]string{
		"original-size": strconv.Itoa(originalSize),
		"compressed":    "false",
		"encrypted":     "false",
	}

	if a.CompressionLevel > 0 {
		data, err = compressData(data, a.CompressionLevel)
		if err != nil {
			return fmt.Errorf("compression failed: %w", err)
		}
		metadata["compressed"] = "true"
	}

	if a.KMSKeyID != "" {
		data, err = a.encryptData(ctx, data)
		if err != nil {
			return fmt.Errorf("encryption failed: %w", err)
		}
		metadata["encrypted"] = "true"
	}

	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(a.Bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	a.logger.Info("Uploaded artifact",
		zap.String("bucket", a.Bucket),
		zap.String("key", key),
		zap.Int("original_bytes", originalSize),
		zap.Int("uploaded_bytes", len(data)),
	)

	return nil
}

// Download restores the object under key into localPath. It returns
// ErrArtifactNotFound when the object does not exist.
func (a *ArtifactStore) Download(ctx context.Context, key, localPath string) error {
	out, err := a.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return fmt.Errorf("%w: s3://%s/%s", ErrArtifactNotFound, a.Bucket, key)
		}
		return fmt.Errorf("failed to download from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("failed to read S3 object: %w", err)
	}

	if out.Metadata["encrypted"] == "true" {
		data, err = a.decryptData(ctx, data)
		if err != nil {
			return fmt.Errorf("decryption failed: %w", err)
		}
	}

	if out.Metadata["compressed"] == "true" {
		data, err = decompressData(data)
		if err != nil {
			return fmt.Errorf("decompression failed: %w", err)
		}
	}

	return WriteFile(localPath, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func compressData(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gzWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := gzWriter.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write to gzip: %w", err)
	}

	if err := gzWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

func decompressData(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	return io.ReadAll(gr)
}

// encryptData seals data with a fresh AES-256-GCM key and wraps the key with
// KMS. Layout: [4 bytes key length][wrapped key][16 bytes IV][16 bytes tag][ciphertext].
func (a *ArtifactStore) encryptData(ctx context.Context, data []byte) ([]byte, error) {
	if a.kms == nil {
		return nil, errors.New("KMS client not configured")
	}

	dataKey := make([]byte, 32)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sealed := aesGCM.Seal(nil, iv, data, nil)
	tagSize := aesGCM.Overhead()
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	encryptOutput, err := a.kms.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(a.KMSKeyID),
		Plaintext: dataKey,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS encryption failed: %w", err)
	}

	var result bytes.Buffer
	if err := binary.Write(&result, binary.BigEndian, uint32(len(encryptOutput.CiphertextBlob))); err != nil {
		return nil, fmt.Errorf("failed to write key length: %w", err)
	}
	result.Write(encryptOutput.CiphertextBlob)
	result.Write(iv)
	result.Write(tag)
	result.Write(ciphertext)

	return result.Bytes(), nil
}

func (a *ArtifactStore) decryptData(ctx context.Context, data []byte) ([]byte, error) {
	if a.kms == nil {
		return nil, errors.New("KMS client not configured")
	}

	buf := bytes.NewReader(data)

	var keyLen uint32
	if err := binary.Read(buf, binary.BigEndian, &keyLen); err != nil {
		return nil, fmt.Errorf("failed to read key length: %w", err)
	}

	if int64(keyLen) > int64(buf.Len()) {
		return nil, errors.New("truncated envelope")
	}

	wrappedKey := make([]byte, keyLen)
	iv := make([]byte, 16)
	tag := make([]byte, 16)
	for _, part := range [][]byte{wrappedKey, iv, tag} {
		if _, err := io.ReadFull(buf, part); err != nil {
			return nil, fmt.Errorf("truncated envelope: %w", err)
		}
	}

	ciphertext, err := io.ReadAll(buf)
	if err != nil {
		return nil, err
	}

	decryptOut, err := a.kms.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrappedKey,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}

	block, err := aes.NewCipher(decryptOut.Plaintext)
	if err != nil {
		return nil, err
	}

	aesGCM, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("AES-GCM decrypt failed: %w", err)
	}

	return plaintext, nil
}
