package database

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"crossarb/internal/model"
)

var (
	pool *pgxpool.Pool
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("could not stop postgres container: %s", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("could not get container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("could not get mapped port: %s", err)
	}

	connStr := "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb?sslmode=disable"

	pool, err = Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("could not connect to database: %s", err)
	}
	defer pool.Close()

	if err := (&PostgresRepository{Pool: pool}).Migrate(ctx); err != nil {
		log.Fatalf("could not migrate: %s", err)
	}

	return m.Run()
}

func sampleOpportunity(id string) model.ArbitrageOpportunity {
	return model.ArbitrageOpportunity{
		ID:                id,
		Pair:              model.NewTradingPair("BTC", "EUR"),
		BuyExchange:       "kraken",
		BuyPrice:          decimal.RequireFromString("50000"),
		BuyQuantity:       decimal.RequireFromString("1.5"),
		SellExchange:      "binance",
		SellPrice:         decimal.RequireFromString("50300"),
		SellQuantity:      decimal.RequireFromString("1"),
		Spread:            decimal.RequireFromString("300"),
		SpreadPercentage:  decimal.RequireFromString("0.6"),
		EffectiveQuantity: decimal.RequireFromString("1"),
		EstimatedProfit:   decimal.RequireFromString("199.7"),
		Qualified:         true,
		DetectedAt:        time.Now().UTC(),
	}
}

func TestPostgresRepository_Migrate_Idempotent(t *testing.T) {
	repo := &PostgresRepository{Pool: pool}
	assert.NoError(t, repo.Migrate(context.Background()))
}

func TestPostgresRepository_SaveOpportunity(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}
	opp := sampleOpportunity("opp-1")

	require.NoError(t, repo.SaveOpportunity(ctx, opp))
	require.NoError(t, repo.SaveOpportunity(ctx, opp))

	var (
		count                int
		pair, buyEx, sellEx  string
		spreadPct, estProfit string
	)
	err := pool.QueryRow(ctx, "SELECT count(*) FROM arbitrage_opportunities WHERE id = $1", opp.ID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = pool.QueryRow(ctx,
		"SELECT trading_pair, buy_exchange, sell_exchange, spread_percentage::text, estimated_profit::text FROM arbitrage_opportunities WHERE id = $1",
		opp.ID,
	).Scan(&pair, &buyEx, &sellEx, &spreadPct, &estProfit)
	require.NoError(t, err)
	assert.Equal(t, "BTC/EUR", pair)
	assert.Equal(t, "kraken", buyEx)
	assert.Equal(t, "binance", sellEx)
	assert.True(t, opp.SpreadPercentage.Equal(decimal.RequireFromString(spreadPct)))
	assert.True(t, opp.EstimatedProfit.Equal(decimal.RequireFromString(estProfit)))
}

func TestPostgresRepository_SaveTradeResult(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}
	opp := sampleOpportunity("opp-2")
	result := model.TradeResult{
		ID:          "trade-1",
		Opportunity: opp,
		BuyResult: model.OrderResult{
			OrderID: "b-1", Exchange: "kraken", Side: model.SideBuy,
			ExecutedPrice: opp.BuyPrice, ExecutedQuantity: decimal.RequireFromString("1"),
			Fee: decimal.RequireFromString("50"), Success: true,
		},
		SellResult: model.OrderResult{
			Exchange: "binance", Side: model.SideSell, Error: "venue down",
		},
		Unwind: &model.OrderResult{
			OrderID: "u-1", Exchange: "kraken", Side: model.SideSell,
			ExecutedPrice: decimal.RequireFromString("49990"), ExecutedQuantity: decimal.RequireFromString("1"),
			Fee: decimal.RequireFromString("49.99"), Success: true,
		},
		Error:          "stranded position",
		RealizedProfit: decimal.RequireFromString("-109.99"),
		StartedAt:      time.Now().UTC(),
		Duration:       1500 * time.Millisecond,
	}

	require.NoError(t, repo.SaveTradeResult(ctx, result))

	var (
		success, buySuccess, sellSuccess, unwound bool
		profit, errText                           string
		durationMs                                int64
	)
	err := pool.QueryRow(ctx,
		"SELECT success, buy_success, sell_success, unwound, realized_profit::text, error, duration_ms FROM trade_results WHERE id = $1",
		result.ID,
	).Scan(&success, &buySuccess, &sellSuccess, &unwound, &profit, &errText, &durationMs)
	require.NoError(t, err)
	assert.False(t, success)
	assert.True(t, buySuccess)
	assert.False(t, sellSuccess)
	assert.True(t, unwound)
	assert.True(t, result.RealizedProfit.Equal(decimal.RequireFromString(profit)))
	assert.Equal(t, "stranded position", errText)
	assert.Equal(t, int64(1500), durationMs)

	assert.Error(t, repo.SaveTradeResult(ctx, result), "duplicate trade id must fail")
}
