package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/absfs/sharecrypt"
	"github.com/absfs/sharecrypt/api"
	"github.com/absfs/sharecrypt/blobstore"
	"github.com/absfs/sharecrypt/config"
	"github.com/absfs/sharecrypt/files"
	"github.com/absfs/sharecrypt/logging"
	"github.com/absfs/sharecrypt/mfa"
	"github.com/absfs/sharecrypt/ratelimit"
	"github.com/absfs/sharecrypt/sharelink"
	"github.com/absfs/sharecrypt/store"
)

const (
	gcInterval      = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			if err != nil {
				return err
			}
			defer memguard.Purge()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, log)
		},
	}
}

// daemon holds everything serve opens, so it can all be closed in order
type daemon struct {
	handler  http.Handler
	files    *files.Service
	store    *store.Store
	counters *ratelimit.MemoryCounters
}

func (d *daemon) Close() error {
	if d.counters != nil {
		d.counters.Stop()
	}
	return d.store.Close()
}

// openDaemon derives the master key and wires every service over the data
// directory
func openDaemon(cfg config.Config, log *logrus.Logger) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	params := sharecrypt.DefaultPBKDF2Params()
	params.Iterations = cfg.Crypto.PBKDF2Iterations

	salt, err := sharecrypt.LoadOrCreateSalt(cfg.SaltFile, params.SaltSize)
	if err != nil {
		return nil, err
	}
	secret := []byte(cfg.Secret)
	master, err := sharecrypt.DeriveMasterKey(secret, salt, params)
	if err != nil {
		return nil, err
	}
	suite, err := sharecrypt.ParseCipherSuite(cfg.Crypto.WrapCipher)
	if err != nil {
		return nil, err
	}
	km, err := sharecrypt.NewKeyManager(master, suite)
	if err != nil {
		return nil, err
	}
	fc, err := sharecrypt.NewFileCipher(cfg.Crypto.ChunkSize)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Options{
		Dir:          filepath.Join(cfg.DataDir, "db"),
		MinFreeBytes: cfg.Files.MinFreeBytes,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	d := &daemon{store: st}

	if err := d.wire(cfg, log, km, fc); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) wire(cfg config.Config, log *logrus.Logger, km *sharecrypt.KeyManager, fc *sharecrypt.FileCipher) error {
	blobDir, err := blobstore.NewDirFS(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return err
	}
	blobs, err := blobstore.New(blobDir, "/")
	if err != nil {
		return err
	}

	fileSvc, err := files.NewService(d.store, blobs, km, fc, files.Options{
		MaxUploadBytes: cfg.Files.MaxUploadBytes,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	d.files = fileSvc
	linkSvc, err := sharelink.NewService(d.store, fileSvc, log, nil)
	if err != nil {
		return err
	}
	mfaSvc, err := mfa.NewService(d.store, km, mfa.Config{
		Issuer:    cfg.MFA.Issuer,
		TicketTTL: cfg.MFA.TicketTTL,
	}, log)
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		var counters ratelimit.CounterStore = d.store
		if cfg.RateLimit.Store == "memory" {
			if d.counters, err = ratelimit.NewMemoryCounters(); err != nil {
				return err
			}
			d.counters.StartGC(cfg.RateLimit.Window)
			counters = d.counters
		}
		limiter, err = ratelimit.New(counters, ratelimit.Options{
			Limits: cfg.RateLimits(),
			Window: cfg.RateLimit.Window,
			Logger: log,
		})
		if err != nil {
			return err
		}
	}

	// the proxy header is the first factor; a ticket proves the second
	authn := api.Chain(
		api.TicketAuthenticator(mfaSvc),
		api.HeaderAuthenticator(cfg.Auth.TrustedUserHeader),
	)
	log.WithField("header", cfg.Auth.TrustedUserHeader).Info("trusting upstream identity header")

	srv, err := api.NewServer(api.Deps{
		Files:        fileSvc,
		Links:        linkSvc,
		MFA:          mfaSvc,
		Limiter:      limiter,
		Authenticate: authn,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	d.handler = srv.Handler()
	return nil
}

func serve(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	d, err := openDaemon(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.WithError(err).Error("failed to close store")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.store.RunGC(ctx, gcInterval)

	// no read or write deadline: uploads and downloads stream whole files
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           d.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
