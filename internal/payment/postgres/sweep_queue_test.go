package postgres

import (
	"context"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/maibank/checkout-reconciler/internal/core/datamodel/order"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
)

// The queue relies on FOR UPDATE SKIP LOCKED, so these specs need a real
// postgres: TEST_DATABASE_URL=postgres://... go test ./internal/payment/postgres
var _ = ginkgo.Describe("SweepQueue", func() {
	var (
		ctx   context.Context
		db    *sqlx.DB
		queue *SweepQueue
		now   time.Time
	)

	ginkgo.BeforeEach(func() {
		dsn := os.Getenv("TEST_DATABASE_URL")
		if dsn == "" {
			ginkgo.Skip("TEST_DATABASE_URL not set")
		}
		ctx = context.Background()

		var err error
		db, err = sqlx.Connect("pgx", dsn)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		ginkgo.DeferCleanup(db.Close)

		goose.SetTableName("schema_migrations")
		gomega.Expect(goose.SetDialect("postgres")).To(gomega.Succeed())
		gomega.Expect(goose.UpContext(ctx, db.DB, "../../../db/migrations")).To(gomega.Succeed())

		_, err = db.ExecContext(ctx, `TRUNCATE sweep_queue, payments, orders RESTART IDENTITY CASCADE`)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(gdb.WithContext(ctx).Create(&order.Order{
			ID: 1, State: order.StatePlaced, Balance: decimal.NewFromInt(10), Currency: "MDL", ItemCount: 1,
		}).Error).To(gomega.Succeed())

		payments := NewPaymentRepository(gdb)
		for _, id := range []string{"pay-1", "pay-2", "pay-3"} {
			gomega.Expect(payments.Create(ctx, &payment.Payment{
				ID: id, OrderID: 1, RemoteID: "TX-" + id, Amount: decimal.NewFromInt(10), Currency: "MDL", State: payment.StateNew,
			})).To(gomega.Succeed())
		}

		now = time.Now().UTC()
		queue = NewSweepQueue(db)
		queue.now = func() time.Time { return now }
	})

	ginkgo.It("should queue each payment once", func() {
		n, err := queue.Enqueue(ctx, "pay-1", "pay-2")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(n).To(gomega.Equal(2))

		n, err = queue.Enqueue(ctx, "pay-2", "pay-3")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(n).To(gomega.Equal(1))
	})

	ginkgo.It("should hide claimed items until the lease expires", func() {
		_, err := queue.Enqueue(ctx, "pay-1", "pay-2")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		items, err := queue.Claim(ctx, 1, time.Minute)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(items).To(gomega.HaveLen(1))
		gomega.Expect(items[0].Attempts).To(gomega.Equal(1))

		items, err = queue.Claim(ctx, 10, time.Minute)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(items).To(gomega.HaveLen(1))

		items, err = queue.Claim(ctx, 10, time.Minute)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(items).To(gomega.BeEmpty())

		now = now.Add(2 * time.Minute)
		items, err = queue.Claim(ctx, 10, time.Minute)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(items).To(gomega.HaveLen(2))
	})

	ginkgo.It("should drop acked items and delay released ones", func() {
		_, err := queue.Enqueue(ctx, "pay-1", "pay-2")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		items, err := queue.Claim(ctx, 10, time.Minute)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(items).To(gomega.HaveLen(2))

		gomega.Expect(queue.Ack(ctx, items[0].ID)).To(gomega.Succeed())
		gomega.Expect(queue.Release(ctx, items[1].ID, 5*time.Minute)).To(gomega.Succeed())

		now = now.Add(2 * time.Minute)
		items, err = queue.Claim(ctx, 10, time.Minute)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(items).To(gomega.BeEmpty())

		now = now.Add(5 * time.Minute)
		items, err = queue.Claim(ctx, 10, time.Minute)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(items).To(gomega.HaveLen(1))
		gomega.Expect(items[0].PaymentID).To(gomega.Equal("pay-2"))
		gomega.Expect(items[0].Attempts).To(gomega.Equal(2))
	})

	ginkgo.It("should forget items whose payment is deleted", func() {
		_, err := queue.Enqueue(ctx, "pay-1")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		_, err = db.ExecContext(ctx, `DELETE FROM payments WHERE id = 'pay-1'`)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		items, err := queue.Claim(ctx, 10, time.Minute)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(items).To(gomega.BeEmpty())
	})
})
