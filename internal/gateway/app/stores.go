package app

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	filescache "ensemble/internal/cache/files"
	"ensemble/internal/gateway/config"
	filesrepo "ensemble/internal/gateway/repository/files"
	"ensemble/internal/gateway/repository/graph"
)

type gatewayStores struct {
	graph graph.Store
	files filesrepo.Store
}

// Close releases the graph store, which owns the shared database handle.
func (s *gatewayStores) Close() error {
	if s.graph == nil {
		return nil
	}
	return s.graph.Close()
}

func initStores(cfg *config.Config, log *logrus.Entry) (*gatewayStores, error) {
	s3Factory := newFilesS3StoreFactory(cfg, log)

	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		return initPostgresStores(dsn, cfg, s3Factory, log)
	}
	return initInMemoryStores(cfg, s3Factory, log)
}

func newFilesS3StoreFactory(cfg *config.Config, log *logrus.Entry) func() (filesrepo.Store, error) {
	return func() (filesrepo.Store, error) {
		s3Cfg := filesrepo.S3Config{
			Endpoint:  cfg.Files.Endpoint,
			Region:    cfg.Files.Region,
			AccessKey: cfg.Files.AccessKey,
			SecretKey: cfg.Files.SecretKey,
			Bucket:    cfg.Files.Bucket,
			UseSSL:    cfg.Files.UseSSL,
			URLExpiry: cfg.Files.URLExpiry,
		}
		s3Store, err := filesrepo.NewS3Store(s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize files s3 store: %w", err)
		}
		log.WithFields(logrus.Fields{"bucket": s3Cfg.Bucket, "endpoint": s3Cfg.Endpoint}).Info("files store: s3")
		return s3Store, nil
	}
}

func initPostgresStores(dsn string, cfg *config.Config, s3Factory func() (filesrepo.Store, error), log *logrus.Entry) (*gatewayStores, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	filesStore, err := chooseFilesStore(cfg, filesrepo.NewPostgresStore(db), "postgres", s3Factory, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("graph store: postgres")
	return &gatewayStores{
		graph: graph.NewPostgresStore(db),
		files: filesStore,
	}, nil
}

func initInMemoryStores(cfg *config.Config, s3Factory func() (filesrepo.Store, error), log *logrus.Entry) (*gatewayStores, error) {
	filesStore, err := chooseFilesStore(cfg, filesrepo.NewMemoryStore(), "in-memory", s3Factory, log)
	if err != nil {
		return nil, err
	}
	log.Warn("graph store: in-memory (DATABASE_URL is not set); data is lost on restart")
	return &gatewayStores{
		graph: graph.NewMemoryStore(),
		files: filesStore,
	}, nil
}

func chooseFilesStore(
	cfg *config.Config,
	fallback filesrepo.Store,
	fallbackLabel string,
	s3Factory func() (filesrepo.Store, error),
	log *logrus.Entry,
) (filesrepo.Store, error) {
	var origin filesrepo.Store
	if cfg.Files.CanUseS3() {
		s3Store, err := s3Factory()
		if err != nil {
			return nil, err
		}
		origin = s3Store
	} else {
		if cfg.Files.Enabled {
			log.Warnf("files store: using %s fallback (s3 config incomplete)", fallbackLabel)
		}
		origin = fallback
	}
	if origin == nil {
		return nil, fmt.Errorf("files origin store is nil")
	}
	return filescache.NewCachedStore(origin, filescache.DefaultCacheConfig()), nil
}
