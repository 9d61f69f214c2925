package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"fleetboard/domain"
	"fleetboard/storage"
)

func main() {
	seedPath := flag.String("seed", "", "JSON file with work orders to upsert after provisioning")
	flag.Parse()

	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	table := envOr("WORK_ORDERS_TABLE", "WorkOrders")
	queue := envOr("BOARD_EVENTS_QUEUE", "board-events")

	ctx := context.Background()
	if err := storage.Provision(ctx, connStr, table, queue); err != nil {
		log.Fatalf("provision: %v", err)
	}

	if *seedPath != "" {
		n, err := seed(ctx, connStr, table, queue, *seedPath)
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		log.WithField("work_orders", n).Info("seed data written")
	}

	log.Info("storage init complete")
}

func seed(ctx context.Context, connStr, table, queue, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var items []domain.WorkOrder
	if err := sonic.ConfigStd.Unmarshal(data, &items); err != nil {
		return 0, err
	}
	store, err := storage.New(connStr, table, queue)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	written := 0
	for _, wo := range items {
		if !wo.Status.Valid() {
			log.WithFields(log.Fields{"work_order": wo.ID, "status": wo.Status}).Warn("skipping seed row with unknown status")
			continue
		}
		if wo.CreatedAt.IsZero() {
			wo.CreatedAt = now
		}
		if wo.UpdatedAt.IsZero() {
			wo.UpdatedAt = now
		}
		if err := store.UpsertWorkOrder(ctx, wo); err != nil {
			return 0, err
		}
		written++
		log.WithFields(log.Fields{"board": wo.BoardID, "work_order": wo.ID}).Debug("seeded")
	}
	return written, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
