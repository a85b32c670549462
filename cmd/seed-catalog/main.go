// seed-catalog loads a product catalog CSV (code,description,sale_price) so uploaded
// documents can be matched to existing products instead of creating AUTO- codes.
// Existing codes are left untouched.
//
// Usage: go run ./cmd/seed-catalog -file catalog.csv
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"purchasing-core/internal/config"
	"purchasing-core/internal/core"
	"purchasing-core/internal/db"
	"purchasing-core/internal/logging"
	"purchasing-core/internal/store/postgres"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	file := flag.String("file", "catalog.csv", "catalog CSV with header code,description,sale_price")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()

	f, err := os.Open(*file)
	if err != nil {
		logger.Fatal("open catalog", zap.Error(err))
	}
	defer f.Close()
	products, err := readCatalog(f)
	if err != nil {
		logger.Fatal("read catalog", zap.String("file", *file), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer pool.Close()

	inserted, err := seed(ctx, postgres.New(pool), products)
	if err != nil {
		logger.Fatal("seed catalog", zap.Error(err))
	}
	logger.Info("catalog seeded", zap.Int("read", len(products)), zap.Int("inserted", inserted))
}

// readCatalog parses the CSV. Rows with an empty code, an empty description or a
// negative price are rejected with their line number.
func readCatalog(r io.Reader) ([]core.Product, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if strings.ToLower(strings.Join(header, ",")) != "code,description,sale_price" {
		return nil, fmt.Errorf("unexpected header %q", strings.Join(header, ","))
	}

	var out []core.Product
	seen := map[string]int{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		code := strings.TrimSpace(rec[0])
		desc := strings.Join(strings.Fields(rec[1]), " ")
		price, err := decimal.NewFromString(strings.TrimSpace(rec[2]))
		switch {
		case code == "":
			return nil, fmt.Errorf("line %d: code is required", line)
		case desc == "":
			return nil, fmt.Errorf("line %d: description is required", line)
		case err != nil || price.IsNegative():
			return nil, fmt.Errorf("line %d: invalid sale_price %q", line, rec[2])
		}
		if prev, ok := seen[code]; ok {
			return nil, fmt.Errorf("line %d: code %s already listed on line %d", line, code, prev)
		}
		seen[code] = line
		out = append(out, core.Product{Code: code, Description: desc, SalePrice: price.Round(2), Active: true})
	}
	return out, nil
}

// seed inserts every product whose code is not yet known, in one transaction.
func seed(ctx context.Context, store core.Store, products []core.Product) (int, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for i := range products {
		p := products[i]
		_, err := tx.FindProductByCode(ctx, p.Code)
		if err == nil {
			continue
		}
		if !errors.Is(err, core.ErrRecordNotFound) {
			return 0, fmt.Errorf("lookup product %s: %w", p.Code, err)
		}
		if err := tx.InsertProduct(ctx, &p); err != nil {
			return 0, err
		}
		inserted++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit catalog: %w", err)
	}
	return inserted, nil
}
