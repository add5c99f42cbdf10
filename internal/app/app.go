package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/chat"
	"github.com/ariefcatur/go-live-orders.git/internal/config"
	"github.com/ariefcatur/go-live-orders.git/internal/customers"
	"github.com/ariefcatur/go-live-orders.git/internal/engine"
	"github.com/ariefcatur/go-live-orders.git/internal/events"
	"github.com/ariefcatur/go-live-orders.git/internal/httpx"
	"github.com/ariefcatur/go-live-orders.git/internal/inventory"
	"github.com/ariefcatur/go-live-orders.git/internal/keylock"
	"github.com/ariefcatur/go-live-orders.git/internal/orders"
	"github.com/ariefcatur/go-live-orders.git/internal/payments"
	"github.com/ariefcatur/go-live-orders.git/internal/postgres"
	"github.com/ariefcatur/go-live-orders.git/internal/redisx"
	"github.com/ariefcatur/go-live-orders.git/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Deps are the connections the components run on. DB is only needed by the
// postgres backend; Redis is required by the redis and postgres backends and
// optional for memory.
type Deps struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
	// Publisher receives every domain event, e.g. the Kafka producer.
	Publisher events.Publisher
}

type App struct {
	Config    config.Config
	Log       zerolog.Logger
	Locks     *keylock.Locker
	Ledger    *inventory.Ledger
	OrderRepo orders.Repository
	Assembler *orders.Assembler
	Orders    *orders.Lifecycle
	Payments  *payments.Engine
	Sessions  *session.Aggregator
	Pipeline  *engine.Service
	Cache     *httpx.StatusCache
}

type stores struct {
	products inventory.Store
	orders   orders.Repository
	payments payments.Store
	history  chat.HistoryStore
	messages chat.MessageStore
	seq      orders.Sequence
}

func pickStores(cf config.Config, d Deps) (stores, error) {
	switch cf.StoreBackend {
	case config.BackendPostgres:
		if d.DB == nil || d.Redis == nil {
			return stores{}, fmt.Errorf("postgres backend needs a database pool and redis")
		}
		return stores{
			products: &inventory.PostgresStore{DB: d.DB, LockTimeout: cf.LockWait},
			orders:   &orders.PostgresRepo{DB: d.DB, LockTimeout: cf.LockWait},
			payments: &payments.PostgresStore{DB: d.DB, LockTimeout: cf.LockWait},
			history:  chat.NewRedisHistory(d.Redis),
			messages: &chat.PostgresMessages{DB: d.DB},
			seq:      &orders.PostgresSequence{DB: d.DB},
		}, nil
	case config.BackendRedis:
		if d.Redis == nil {
			return stores{}, fmt.Errorf("redis backend needs a redis client")
		}
		return stores{
			products: inventory.NewRedisStore(d.Redis),
			orders:   orders.NewMemoryRepo(),
			payments: payments.NewMemoryStore(),
			history:  chat.NewRedisHistory(d.Redis),
			messages: chat.NewMemoryMessages(),
			seq:      &orders.RedisSequence{RDB: d.Redis},
		}, nil
	default:
		s := stores{
			products: inventory.NewMemoryStore(),
			orders:   orders.NewMemoryRepo(),
			payments: payments.NewMemoryStore(),
			history:  chat.NewMemoryHistory(),
			messages: chat.NewMemoryMessages(),
			seq:      orders.NewMemorySequence(),
		}
		if d.Redis != nil {
			s.seq = &orders.RedisSequence{RDB: d.Redis}
		}
		return s, nil
	}
}

// New wires every component for the configured backend.
func New(cf config.Config, d Deps, log zerolog.Logger) (*App, error) {
	st, err := pickStores(cf, d)
	if err != nil {
		return nil, err
	}

	cache := httpx.NewStatusCache(d.Redis, log)
	pub := events.Fanout{cache}
	if d.Publisher != nil {
		pub = append(pub, d.Publisher)
	}
	locks := keylock.New(cf.LockWait)

	ledger := inventory.NewLedger(st.products, locks, pub, log)
	assembler := orders.NewAssembler(st.orders, ledger, &orders.Numberer{Seq: st.seq, Loc: time.Local}, pub, log)
	assembler.ShippingFee = cf.DefaultShippingFee
	life := orders.NewLifecycle(st.orders, ledger, locks, pub, log)

	scorer := payments.NewScorer()
	scorer.TimeTolerance = cf.MatchTimeTolerance
	scorer.AmountTolerance = cf.MatchAmountTolerance
	scorer.High = cf.MatchHighThreshold
	scorer.Low = cf.MatchLowThreshold
	pay := payments.NewEngine(st.payments, life, scorer, locks, pub, log)
	pay.PendingTimeout = cf.PaymentPendingTimeout
	life.Voider = pay

	sessions := session.NewAggregator(locks, pub, log)
	detector := chat.NewDetector(st.history, locks, chat.Window{MaxMessages: cf.DedupWindowMessages, MaxAge: cf.DedupWindow})
	pipeline := engine.New(sessions, st.messages, chat.NewExtractor(), detector,
		customers.NewDirectory(locks), assembler, life, log)

	return &App{
		Config:    cf,
		Log:       log,
		Locks:     locks,
		Ledger:    ledger,
		OrderRepo: st.orders,
		Assembler: assembler,
		Orders:    life,
		Payments:  pay,
		Sessions:  sessions,
		Pipeline:  pipeline,
		Cache:     cache,
	}, nil
}

// Open connects what the backend needs. For the memory backend Redis is
// tried once and dropped with a warning when unreachable.
func Open(ctx context.Context, cf config.Config, log zerolog.Logger) (Deps, func(), error) {
	var (
		d       Deps
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cf.StoreBackend == config.BackendPostgres {
		db, err := postgres.Connect(ctx, cf.PostgresDSN, postgres.PoolConfig{})
		if err != nil {
			return Deps{}, cleanup, fmt.Errorf("db connect: %w", err)
		}
		closers = append(closers, db.Close)
		if err := postgres.Migrate(ctx, db); err != nil {
			return Deps{}, cleanup, err
		}
		d.DB = db
	}

	rdb := redisx.New(cf.RedisAddr)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := redisx.Ping(pctx, rdb)
	cancel()
	switch {
	case err == nil:
		closers = append(closers, func() { _ = rdb.Close() })
		d.Redis = rdb
	case cf.StoreBackend == config.BackendMemory:
		_ = rdb.Close()
		log.Warn().Err(err).Str("addr", cf.RedisAddr).Msg("redis unreachable, running without status cache")
	default:
		_ = rdb.Close()
		return Deps{}, cleanup, fmt.Errorf("redis ping: %w", err)
	}
	return d, cleanup, nil
}

func (a *App) Router() *chi.Mux {
	r := httpx.NewRouter(a.Log)
	(&httpx.SessionsHandler{Sessions: a.Sessions, Pipeline: a.Pipeline, Orders: a.OrderRepo}).Register(r)
	(&httpx.ProductsHandler{Ledger: a.Ledger}).Register(r)
	(&httpx.OrdersHandler{Orders: a.Orders, Pipeline: a.Pipeline, Payments: a.Payments, Cache: a.Cache}).Register(r)
	(&httpx.PaymentsHandler{Payments: a.Payments}).Register(r)
	return r
}
