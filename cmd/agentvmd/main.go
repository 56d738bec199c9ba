package main

import (
	"log"
	"os"

	"github.com/nullterra/agentvmd/internal/api"
	"github.com/nullterra/agentvmd/internal/config"
	"github.com/nullterra/agentvmd/internal/engine"
	"github.com/nullterra/agentvmd/internal/executor"
	"github.com/nullterra/agentvmd/internal/libvirtconn"
	"github.com/nullterra/agentvmd/internal/pool"
	"github.com/nullterra/agentvmd/internal/safety"
	"github.com/nullterra/agentvmd/internal/share"
	"github.com/nullterra/agentvmd/internal/snapshot"
	"github.com/nullterra/agentvmd/internal/store"
	"github.com/nullterra/agentvmd/internal/template"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("agentvmd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"libvirt_socket", cfg.LibvirtSocket,
	)

	conn, releaseConn, err := libvirtconn.Acquire(cfg.LibvirtSocket, logger)
	if err != nil {
		log.Fatalf("failed to connect to libvirt: %v", err)
	}
	defer releaseConn()

	client, err := conn.Client()
	if err != nil {
		log.Fatalf("failed to obtain libvirt client: %v", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	policy, err := safety.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("failed to load safety policy: %v", err)
	}
	validator := safety.New(policy)

	snapMgr := snapshot.New(client, logger, nil)
	provisioner := pool.NewLibvirtProvisioner(client, logger)
	bootTemplate := template.New("agent").WithMode(template.NatFiltered)

	p := pool.New(pool.Config{
		Capacity:           cfg.PoolCapacity,
		GoldenSnapshotName: cfg.GoldenSnapshotName,
		BootTemplate:       bootTemplate,
		AcquireWait:        cfg.PoolAcquireWait,
	}, provisioner, snapMgr, logger, nil)

	mounter := share.VirtiofsMounter{}
	dial := executor.VsockDialer(cfg.VsockPort, logger)

	ex, err := executor.New(executor.Config{
		DefaultTimeout: cfg.ExecDefaultTimeout,
		MaxTimeout:     cfg.ExecMaxTimeout,
	}, mounter, dial, logger, nil)
	if err != nil {
		log.Fatalf("failed to build executor: %v", err)
	}

	eng := engine.NewEngine(db, p, ex, validator, logger)
	srv := api.NewServer(cfg.ListenAddr, db, p, logger)

	// Run blocks serving the admin surface until SIGINT/SIGTERM, then
	// performs its own graceful HTTP shutdown before returning.
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	logger.Info("agentvmd: draining in-flight executions")
	eng.Wait()

	if err := p.Shutdown(); err != nil {
		logger.Warn("pool shutdown reported errors", "error", err)
	}
}
