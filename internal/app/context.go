package app

import (
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"deployproof/internal/archive"
	"deployproof/internal/config"
	"deployproof/internal/db"
	"deployproof/internal/engine"
	"deployproof/internal/migrate"
	"deployproof/internal/vcs"
)

// Options carries everything the runtime needs that does not live in
// deployproof.yml: the workspace, connection overrides and secrets.
type Options struct {
	Workspace string
	// Driver and DSN override the database section when set.
	Driver      string
	DSN         string
	VCSToken    string
	S3AccessKey string
	S3SecretKey string
	Log         *zap.Logger
}

// Runtime is the wired application shared by the CLI and the server.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Dialect   string
	Engine    engine.Engine
	// Archive is nil unless archive.enabled is set.
	Archive archive.Store
	Log     *zap.Logger
}

// LoadConfig reads deployproof.yml, falling back to the compiled-in config
// when the file is absent.
func LoadConfig(workspace string, log *zap.Logger) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if log != nil {
			log.Warn("no deployproof.yml found, using built-in configuration", zap.String("workspace", workspace))
		}
		return config.Default(), nil
	}
	return cfg, nil
}

// Open loads config, opens and migrates the metadata store and wires the engine.
func Open(opts Options) (*Runtime, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := LoadConfig(opts.Workspace, log)
	if err != nil {
		return nil, err
	}
	driver := firstNonEmpty(opts.Driver, cfg.Database.Driver)
	dialect := db.Normalize(driver)
	conn, err := db.Open(db.Config{
		Workspace: opts.Workspace,
		Driver:    driver,
		DSN:       firstNonEmpty(opts.DSN, cfg.Database.DSN),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	client, err := NewVCSClient(cfg.VCS, opts.VCSToken)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if client == nil {
		log.Warn("version control not configured, vcs validators will report no_access")
	}
	eng, err := engine.New(conn, dialect, cfg, client, log.Named("engine"))
	if err != nil {
		conn.Close()
		return nil, err
	}
	store, err := NewArchive(cfg.Archive, opts.S3AccessKey, opts.S3SecretKey)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Runtime{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Dialect:   dialect,
		Engine:    eng,
		Archive:   store,
		Log:       log,
	}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// NewVCSClient returns nil when the repository or token is not configured.
func NewVCSClient(cfg config.VCSConfig, token string) (vcs.Client, error) {
	token = strings.TrimSpace(token)
	if cfg.Workspace == "" || cfg.Repository == "" || token == "" {
		return nil, nil
	}
	client, err := vcs.NewHTTPClient(vcs.HTTPOptions{
		BaseURL:    cfg.BaseURL,
		Workspace:  cfg.Workspace,
		Repository: cfg.Repository,
		Username:   cfg.Username,
		Token:      token,
		Timeout:    cfg.Timeout,
		CacheSize:  cfg.CacheSize,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// NewArchive returns nil when archiving is disabled.
func NewArchive(cfg config.ArchiveConfig, accessKey, secretKey string) (archive.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	store, err := archive.NewS3Store(archive.S3Config{
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
		UseSSL:    cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
