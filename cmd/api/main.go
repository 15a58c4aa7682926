package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/pool"
	"escrowflow/transfer"
	"escrowflow/vault"
)

type pgLedgerReader struct {
	db   *pgxpool.Pool
	repo *pool.Repository
}

func (r pgLedgerReader) Get(ctx context.Context, addr string) (pool.Ledger, error) {
	return r.repo.Get(ctx, r.db, addr)
}

type pgRecordReader struct {
	db   *pgxpool.Pool
	repo *transfer.Repository
}

func (r pgRecordReader) Get(ctx context.Context, addr string) (transfer.Record, error) {
	return r.repo.Get(ctx, r.db, addr)
}

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	dbPool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer dbPool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	custody := vault.NewPG()
	poolRepo := pool.NewRepository()
	transferRepo := transfer.NewRepository()

	server := &Server{
		authService:     auth.NewService(auth.NewRepository(dbPool), jwtSecret),
		poolService:     pool.NewService(dbPool, poolRepo, custody, nil),
		transferService: transfer.NewService(dbPool, transferRepo, poolRepo, custody, nil),
		ledgerReader:    pgLedgerReader{db: dbPool, repo: poolRepo},
		recordReader:    pgRecordReader{db: dbPool, repo: transferRepo},
	}

	log.Printf("escrow api listening on %s", listenAddr)
	log.Fatal(http.ListenAndServe(listenAddr, server.routes()))
}
