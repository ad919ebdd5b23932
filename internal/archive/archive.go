package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"deployproof/internal/domain"
)

var ErrNotFound = errors.New("archived proof not found")

// Store keeps full proof results outside the metadata database.
type Store interface {
	Put(ctx context.Context, res domain.ProofResult) (string, error)
	Get(ctx context.Context, environment, id string) (domain.ProofResult, error)
	List(ctx context.Context, environment string) ([]string, error)
}

// ObjectKey is {prefix}proofs/{environment}/{id}.json.
func ObjectKey(prefix, environment, id string) string {
	prefix = strings.TrimLeft(strings.TrimSpace(prefix), "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + path.Join("proofs", sanitize(environment), sanitize(id)) + ".json"
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func validate(res domain.ProofResult) error {
	if strings.TrimSpace(res.ID) == "" {
		return fmt.Errorf("proof id is required")
	}
	if strings.TrimSpace(res.Environment) == "" {
		return fmt.Errorf("proof environment is required")
	}
	return nil
}

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

type S3Store struct {
	client   *minio.Client
	bucket   string
	region   string
	prefix   string
	initOnce sync.Once
	initErr  error
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("archive access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init archive client: %w", err)
	}
	return &S3Store{client: client, bucket: bucket, region: region, prefix: cfg.Prefix}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Store) Put(ctx context.Context, res domain.ProofResult) (string, error) {
	if err := validate(res); err != nil {
		return "", err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("ensure bucket: %w", err)
	}
	body, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal proof: %w", err)
	}
	key := ObjectKey(s.prefix, res.Environment, res.ID)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"verdict": string(res.Overall.Verdict),
			"level":   res.Level,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (s *S3Store) Get(ctx context.Context, environment, id string) (domain.ProofResult, error) {
	var res domain.ProofResult
	if err := s.ensureBucket(ctx); err != nil {
		return res, fmt.Errorf("ensure bucket: %w", err)
	}
	key := ObjectKey(s.prefix, environment, id)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return res, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "NoSuchKey" || code == "NoSuchBucket" {
			return res, ErrNotFound
		}
		return res, err
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, fmt.Errorf("decode %s: %w", key, err)
	}
	return res, nil
}

// List returns the archived proof ids of an environment, sorted.
func (s *S3Store) List(ctx context.Context, environment string) ([]string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	dir := strings.TrimSuffix(ObjectKey(s.prefix, environment, "x"), "x.json")
	var ids []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: dir, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, dir)
		if name == "" || strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryStore is an in-process Store used when no object storage is configured.
type MemoryStore struct {
	Prefix  string
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{Prefix: prefix, objects: map[string][]byte{}}
}

func (m *MemoryStore) Put(_ context.Context, res domain.ProofResult) (string, error) {
	if err := validate(res); err != nil {
		return "", err
	}
	body, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("marshal proof: %w", err)
	}
	key := ObjectKey(m.Prefix, res.Environment, res.ID)
	m.mu.Lock()
	m.objects[key] = body
	m.mu.Unlock()
	return key, nil
}

func (m *MemoryStore) Get(_ context.Context, environment, id string) (domain.ProofResult, error) {
	var res domain.ProofResult
	m.mu.RLock()
	data, ok := m.objects[ObjectKey(m.Prefix, environment, id)]
	m.mu.RUnlock()
	if !ok {
		return res, ErrNotFound
	}
	err := json.Unmarshal(data, &res)
	return res, err
}

func (m *MemoryStore) List(_ context.Context, environment string) ([]string, error) {
	dir := strings.TrimSuffix(ObjectKey(m.Prefix, environment, "x"), "x.json")
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := []string{}
	for key := range m.objects {
		if name, ok := strings.CutPrefix(key, dir); ok && !strings.Contains(name, "/") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}
