package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"smart-exec/internal/broker"
	"smart-exec/internal/cache"
	"smart-exec/internal/config"
	"smart-exec/internal/log"
	"smart-exec/internal/market"
	"smart-exec/internal/marketdata"
	"smart-exec/internal/profile"
	"smart-exec/internal/quality"
	"smart-exec/internal/router"
	"smart-exec/internal/schedule"
	"smart-exec/internal/store"
)

const usage = `用法: smart-exec <子命令> [参数]

子命令:
  decide   只做路由决策，不下单
  execute  决策并执行订单（默认模拟，--live 触达真实券商）
  track    手工记录一笔成交的执行质量
  report   输出月度执行质量报告
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "decide":
		err = runDecide(os.Args[2:])
	case "execute":
		err = runExecute(os.Args[2:])
	case "track":
		err = runTrack(os.Args[2:])
	case "report":
		err = runReport(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "未知子命令 %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// env 聚合各子命令共用的协作方。
type env struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	tracker *quality.Tracker
	engine  *router.Engine
}

func (e *env) close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("关闭数据库失败", zap.Error(err))
		}
	}
	_ = e.logger.Sync()
}

// loadConfig 读取配置文件；未提供路径且默认文件不存在时退回内置默认值。
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if path == "" {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// buildEnv 完成全部协作方的装配。withStore 为假时跳过数据库，
// 质量记录退回本地文件。
func buildEnv(configPath string, withStore bool) (*env, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	var sqliteStore *store.Store
	if withStore {
		sqliteStore, err = store.NewSQLite(cfg.Database)
		if err != nil {
			// 数据库不可用时质量记录仍可落本地文件。
			logger.Warn("初始化数据库失败，滑点记录退回本地文件", zap.Error(err))
			sqliteStore = nil
		}
	}

	tracker, err := quality.NewTracker(sqliteStore, cfg.Quality, logger)
	if err != nil {
		if sqliteStore != nil {
			_ = sqliteStore.Close()
		}
		return nil, fmt.Errorf("初始化质量跟踪器失败: %w", err)
	}

	ttlCache, err := cache.New(cfg.Cache.MaxCost, cfg.Cache.TTL)
	if err != nil {
		logger.Warn("初始化缓存失败，取数不走缓存", zap.Error(err))
		ttlCache = nil
	}

	kiwoom := broker.NewKoreanEquityClient(cfg.Exchange, logger)
	var kr marketdata.KRQuoter
	if kiwoom.Configured() {
		kr = kiwoom
	}

	md := marketdata.NewService(cfg.Exchange, kr, ttlCache, logger)
	estimator := profile.NewEstimator(md, ttlCache, logger)

	engine := router.NewEngine(cfg.Router, md, md, estimator, tracker, logger)
	engine.RegisterClient(broker.NewCryptoClient(cfg.Exchange, md, logger))
	engine.RegisterClient(broker.NewUSEquityClient(cfg.Exchange, logger))
	if kiwoom.Configured() {
		engine.RegisterClient(kiwoom)
	}

	return &env{
		cfg:     cfg,
		logger:  logger,
		store:   sqliteStore,
		tracker: tracker,
		engine:  engine,
	}, nil
}

// orderFlags 注册订单描述参数并返回取值函数。
func orderFlags(fs *flag.FlagSet) func() (schedule.Order, error) {
	symbol := fs.String("symbol", "", "交易符号，如 KRW-BTC、005930、AAPL")
	side := fs.String("side", "", "买卖方向 buy/sell")
	qty := fs.Float64("qty", 0, "下单数量")
	mk := fs.String("market", "", "市场 crypto/kr_equity/us_equity，留空自动推断")
	price := fs.Float64("price-hint", 0, "参考价提示，缺省时实时取数")

	return func() (schedule.Order, error) {
		if strings.TrimSpace(*symbol) == "" {
			return schedule.Order{}, fmt.Errorf("--symbol 不能为空")
		}
		if *qty <= 0 {
			return schedule.Order{}, fmt.Errorf("--qty 必须大于0")
		}
		order := schedule.Order{
			Symbol:    *symbol,
			Side:      market.Side(*side),
			TotalQty:  *qty,
			Market:    market.Normalize(*mk),
			PriceHint: *price,
		}
		return order.Normalize()
	}
}

func runDecide(args []string) error {
	fs := flag.NewFlagSet("decide", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件路径")
	readOrder := orderFlags(fs)
	_ = fs.Parse(args)

	order, err := readOrder()
	if err != nil {
		return err
	}

	e, err := buildEnv(*configPath, false)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	decision, err := e.engine.Decide(ctx, order)
	if err != nil {
		return err
	}
	return printJSON(decision)
}

func runExecute(args []string) error {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件路径")
	live := fs.Bool("live", false, "触达真实券商，默认模拟执行")
	respect := fs.Bool("respect-schedule", false, "按切片延迟节奏下单")
	readOrder := orderFlags(fs)
	_ = fs.Parse(args)

	order, err := readOrder()
	if err != nil {
		return err
	}

	e, err := buildEnv(*configPath, *live)
	if err != nil {
		return err
	}
	defer e.close()

	if *respect {
		e.engine.SetRespectSchedule(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := e.engine.RouteOrder(ctx, order, !*live)
	if err != nil {
		// 取消时已收集的切片结果仍然输出。
		e.logger.Warn("执行提前结束", zap.Error(err))
	}
	return printJSON(result)
}

func runTrack(args []string) error {
	fs := flag.NewFlagSet("track", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件路径")
	expected := fs.Float64("expected", 0, "预期成交价")
	actual := fs.Float64("actual", 0, "实际成交价")
	route := fs.String("route", "MARKET", "路由档位 MARKET/TWAP/VWAP")
	orderType := fs.String("order-type", "MARKET", "订单类型 MARKET/LIMIT")
	persist := fs.Bool("persist", true, "写入数据库，否则仅落本地文件")
	readOrder := orderFlags(fs)
	_ = fs.Parse(args)

	order, err := readOrder()
	if err != nil {
		return err
	}

	e, err := buildEnv(*configPath, *persist)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	record := e.tracker.Track(ctx, quality.FillContext{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Market:        order.Market,
		Qty:           order.TotalQty,
		ExpectedPrice: *expected,
		ActualPrice:   *actual,
		Route:         *route,
		OrderType:     *orderType,
	}, *persist)
	return printJSON(record)
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", "", "配置文件路径")
	month := fs.String("month", "", "报告月份 YYYY-MM，留空为当月")
	_ = fs.Parse(args)

	e, err := buildEnv(*configPath, true)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := e.tracker.MonthlyReport(ctx, *month)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化输出失败: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
