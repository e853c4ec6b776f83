package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/maibank/checkout-reconciler/internal/core/datamodel/order"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
)

var clearData bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample orders",
	Long:  `Seed the database with orders sitting on the payment step, for exercising the checkout flow against the gateway simulator.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		sqlDB, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer sqlDB.Close()

		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB.DB}), &gorm.Config{})
		if err != nil {
			log.Fatalf("failed to init gorm: %v", err)
		}

		if clearData {
			if err := db.Exec("TRUNCATE sweep_queue, payments, orders RESTART IDENTITY").Error; err != nil {
				log.Fatalf("failed to clear data: %v", err)
			}
			fmt.Println("Cleared orders, payments and sweep queue")
		}

		now := time.Now().UTC()
		samples := []order.Order{
			{State: order.StatePlaced, IPAddress: "127.0.0.1", Balance: decimal.RequireFromString("125.50"), Currency: "MDL", ItemCount: 2, CheckoutStep: "payment", Language: "ro"},
			{State: order.StatePlaced, IPAddress: "127.0.0.1", Balance: decimal.RequireFromString("19.99"), Currency: "EUR", ItemCount: 1, CheckoutStep: "payment", Language: "en"},
			{State: order.StatePlaced, IPAddress: "127.0.0.1", Balance: decimal.RequireFromString("300.00"), Currency: "USD", ItemCount: 5, CheckoutStep: "payment", Language: "ru"},
		}

		for i := range samples {
			o := &samples[i]
			o.CreatedAt, o.UpdatedAt = now, now
			if err := db.Create(o).Error; err != nil {
				log.Fatalf("failed to insert order: %v", err)
			}
			fmt.Printf("Seeded order #%d (%s %s)\n", o.ID, o.Balance.StringFixed(2), o.Currency)
		}

		var pending int64
		if err := db.Model(&payment.Payment{}).Where("state IN ?", []string{string(payment.StateNew), string(payment.StatePending)}).Count(&pending).Error; err != nil {
			log.Fatalf("failed to count payments: %v", err)
		}
		fmt.Printf("Seeding done; %d unresolved payments in store\n", pending)
	},
}

func init() {
	seedCmd.Flags().BoolVar(&clearData, "clear", false, "Clear existing data before seeding")
}
