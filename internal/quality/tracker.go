package quality

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"smart-exec/internal/config"
	"smart-exec/internal/market"
	"smart-exec/internal/schedule"
	"smart-exec/internal/store"
)

// FillContext 描述一笔待记录的成交。
type FillContext struct {
	Symbol        string
	Side          market.Side
	Market        market.Market
	Qty           float64
	ExpectedPrice float64
	ActualPrice   float64
	Route         string
	OrderType     string
	Timestamp     time.Time
}

// Record 为执行质量记录，创建后不再修改，按月份分区存储。
type Record struct {
	Timestamp        time.Time     `json:"timestamp"`
	Symbol           string        `json:"symbol"`
	Market           market.Market `json:"market"`
	Side             market.Side   `json:"side"`
	Qty              float64       `json:"qty"`
	ExpectedPrice    float64       `json:"expected_price"`
	ActualPrice      float64       `json:"actual_price"`
	ExpectedNotional float64       `json:"expected_notional"`
	ActualNotional   float64       `json:"actual_notional"`
	Route            string        `json:"route"`
	OrderType        string        `json:"order_type"`
	Metrics
}

// Summary 为一次路由执行内被跟踪成交的汇总。
type Summary struct {
	Tracked               int     `json:"tracked"`
	AvgAbsSlippageBps     float64 `json:"avg_abs_slippage_bps"`
	AvgAdverseSlippageBps float64 `json:"avg_adverse_slippage_bps"`
}

// RouteStat 为单一路由的月度统计。
type RouteStat struct {
	Count             int     `json:"count"`
	AvgAbsSlippageBps float64 `json:"avg_abs_slippage_bps"`
}

// WorstCase 为当月逆向滑点最高的记录摘要。
type WorstCase struct {
	Timestamp          time.Time     `json:"timestamp"`
	Symbol             string        `json:"symbol"`
	Side               market.Side   `json:"side"`
	Route              string        `json:"route"`
	AdverseSlippageBps float64       `json:"adverse_slippage_bps"`
	Market             market.Market `json:"market,omitempty"`
}

// Report 为月度执行质量报告。
type Report struct {
	YearMonth             string               `json:"year_month"`
	TradeCount            int                  `json:"trade_count"`
	AvgAbsSlippageBps     float64              `json:"avg_abs_slippage_bps"`
	AvgAdverseSlippageBps float64              `json:"avg_adverse_slippage_bps"`
	TargetMet             bool                 `json:"target_lt_10bps"`
	WorstCase             *WorstCase           `json:"worst_case"`
	RouteStats            map[string]RouteStat `json:"route_stats"`
}

// targetAbsBps 为月均绝对滑点的目标上限。
const targetAbsBps = 10.0

// Tracker 负责执行质量记录的持久化与月度汇总。
// 主存储为 SQLite，写入失败时退回本地按月分区的 JSONL 文件，
// 两条路径都不会向调用方抛错。
type Tracker struct {
	db       *sql.DB
	table    string
	localDir string
	logger   *zap.Logger
}

// NewTracker 初始化跟踪器并创建表结构。store 可为 nil（仅本地文件）。
func NewTracker(st *store.Store, cfg config.QualityConfig, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	table := cfg.Table
	if table == "" {
		table = "execution_quality"
	}
	localDir := cfg.LocalDir
	if localDir == "" {
		localDir = "data/execution-quality"
	}

	t := &Tracker{
		table:    table,
		localDir: localDir,
		logger:   logger,
	}
	if st != nil {
		t.db = st.DB()
		if err := t.initSchema(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tracker) initSchema() error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	symbol TEXT NOT NULL,
	market TEXT NOT NULL,
	side TEXT NOT NULL,
	qty REAL NOT NULL,
	expected_price REAL NOT NULL,
	actual_price REAL NOT NULL,
	expected_notional REAL NOT NULL,
	actual_notional REAL NOT NULL,
	route TEXT NOT NULL,
	order_type TEXT NOT NULL,
	slippage_pct REAL NOT NULL,
	slippage_bps REAL NOT NULL,
	adverse_slippage_bps REAL NOT NULL,
	abs_slippage_bps REAL NOT NULL,
	is_valid INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s(ts);
`, t.table, t.table, t.table)

	if _, err := t.db.Exec(stmt); err != nil {
		return fmt.Errorf("quality: 初始化表失败: %w", err)
	}
	return nil
}

// Track 记录一笔成交。persistDB 为真时先写主存储，失败退回本地文件；
// 为假（模拟执行）时直接写本地文件。任何路径都不返回错误。
func (t *Tracker) Track(ctx context.Context, fill FillContext, persistDB bool) Record {
	record := t.buildRecord(fill)

	if persistDB && t.db != nil {
		if err := t.insert(ctx, record); err != nil {
			t.logger.Warn("执行质量落库失败，退回本地文件",
				zap.String("symbol", record.Symbol),
				zap.Error(err),
			)
			t.appendLocal(record)
		}
		return record
	}

	t.appendLocal(record)
	return record
}

func (t *Tracker) buildRecord(fill FillContext) Record {
	ts := fill.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	qty := fill.Qty
	if qty < 0 {
		qty = 0
	}

	route := strings.ToUpper(fill.Route)
	if route == "" {
		route = "MARKET"
	}
	orderType := strings.ToUpper(fill.OrderType)
	if orderType == "" {
		orderType = "MARKET"
	}

	return Record{
		Timestamp:        ts.UTC(),
		Symbol:           strings.ToUpper(fill.Symbol),
		Market:           fill.Market,
		Side:             fill.Side,
		Qty:              schedule.Round8(qty),
		ExpectedPrice:    schedule.Round8(fill.ExpectedPrice),
		ActualPrice:      schedule.Round8(fill.ActualPrice),
		ExpectedNotional: schedule.Round8(fill.ExpectedPrice * qty),
		ActualNotional:   schedule.Round8(fill.ActualPrice * qty),
		Route:            route,
		OrderType:        orderType,
		Metrics:          ComputeMetrics(fill.ExpectedPrice, fill.ActualPrice, fill.Side),
	}
}

func (t *Tracker) insert(ctx context.Context, r Record) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, market, side, qty,
		expected_price, actual_price, expected_notional, actual_notional,
		route, order_type,
		slippage_pct, slippage_bps, adverse_slippage_bps, abs_slippage_bps, is_valid
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, t.table)

	valid := 0
	if r.IsValid {
		valid = 1
	}

	_, err := t.db.ExecContext(ctx, stmt,
		r.Timestamp.Format(time.RFC3339), r.Symbol, string(r.Market), string(r.Side), r.Qty,
		r.ExpectedPrice, r.ActualPrice, r.ExpectedNotional, r.ActualNotional,
		r.Route, r.OrderType,
		r.SlippagePct, r.SlippageBps, r.AdverseSlippageBps, r.AbsSlippageBps, valid,
	)
	return err
}

func (t *Tracker) localFile(ts time.Time) string {
	return filepath.Join(t.localDir, ts.UTC().Format("2006-01")+".jsonl")
}

func (t *Tracker) appendLocal(r Record) {
	if err := os.MkdirAll(t.localDir, 0o755); err != nil {
		t.logger.Error("创建本地质量目录失败", zap.String("dir", t.localDir), zap.Error(err))
		return
	}

	path := t.localFile(r.Timestamp)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.logger.Error("打开本地质量文件失败", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	line, err := json.Marshal(r)
	if err != nil {
		t.logger.Error("序列化质量记录失败", zap.Error(err))
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		t.logger.Error("追加本地质量记录失败", zap.String("path", path), zap.Error(err))
	}
}

// MonthlyReport 汇总 [月初, 次月初) 区间内的记录。
// 优先读主存储，为空时回读本地文件；空月份返回全零报告。
func (t *Tracker) MonthlyReport(ctx context.Context, yearMonth string) (Report, error) {
	if yearMonth == "" {
		yearMonth = time.Now().UTC().Format("2006-01")
	}

	start, err := time.ParseInLocation("2006-01", yearMonth, time.UTC)
	if err != nil {
		return Report{}, fmt.Errorf("quality: 月份格式不合法 %q: %w", yearMonth, err)
	}
	end := start.AddDate(0, 1, 0)

	rows := t.loadRows(ctx, start, end)
	report := Report{
		YearMonth:  yearMonth,
		RouteStats: map[string]RouteStat{},
	}
	if len(rows) == 0 {
		return report, nil
	}

	absSum := 0.0
	advSum := 0.0
	worst := rows[0]
	routeAbs := map[string][]float64{}

	for _, r := range rows {
		absSum += r.AbsSlippageBps
		advSum += r.AdverseSlippageBps
		if r.AdverseSlippageBps > worst.AdverseSlippageBps {
			worst = r
		}
		routeAbs[r.Route] = append(routeAbs[r.Route], r.AbsSlippageBps)
	}

	n := float64(len(rows))
	report.TradeCount = len(rows)
	report.AvgAbsSlippageBps = round6(absSum / n)
	report.AvgAdverseSlippageBps = round6(advSum / n)
	report.TargetMet = absSum/n < targetAbsBps
	report.WorstCase = &WorstCase{
		Timestamp:          worst.Timestamp,
		Symbol:             worst.Symbol,
		Side:               worst.Side,
		Route:              worst.Route,
		Market:             worst.Market,
		AdverseSlippageBps: worst.AdverseSlippageBps,
	}

	for route, vals := range routeAbs {
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		report.RouteStats[route] = RouteStat{
			Count:             len(vals),
			AvgAbsSlippageBps: round6(sum / float64(len(vals))),
		}
	}

	return report, nil
}

func (t *Tracker) loadRows(ctx context.Context, start, end time.Time) []Record {
	if t.db != nil {
		rows, err := t.queryDB(ctx, start, end)
		if err != nil {
			t.logger.Warn("执行质量查询失败，回读本地文件", zap.Error(err))
		} else if len(rows) > 0 {
			return rows
		}
	}
	return t.queryLocal(start, end)
}

func (t *Tracker) queryDB(ctx context.Context, start, end time.Time) ([]Record, error) {
	stmt := fmt.Sprintf(`SELECT
		ts, symbol, market, side, qty,
		expected_price, actual_price, expected_notional, actual_notional,
		route, order_type,
		slippage_pct, slippage_bps, adverse_slippage_bps, abs_slippage_bps, is_valid
	FROM %s WHERE ts >= ? AND ts < ? ORDER BY ts`, t.table)

	rows, err := t.db.QueryContext(ctx, stmt,
		start.Format(time.RFC3339), end.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("quality: 查询记录失败: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 64)
	for rows.Next() {
		var (
			r       Record
			ts      string
			mk      string
			side    string
			isValid int
		)
		if err := rows.Scan(&ts, &r.Symbol, &mk, &side, &r.Qty,
			&r.ExpectedPrice, &r.ActualPrice, &r.ExpectedNotional, &r.ActualNotional,
			&r.Route, &r.OrderType,
			&r.SlippagePct, &r.SlippageBps, &r.AdverseSlippageBps, &r.AbsSlippageBps, &isValid,
		); err != nil {
			return nil, fmt.Errorf("quality: 解析记录失败: %w", err)
		}

		parsed, parseErr := time.Parse(time.RFC3339, ts)
		if parseErr != nil {
			parsed = time.Now().UTC()
		}
		r.Timestamp = parsed
		r.Market = market.Market(mk)
		r.Side = market.Side(side)
		r.IsValid = isValid != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quality: 读取记录失败: %w", err)
	}
	return out, nil
}

func (t *Tracker) queryLocal(start, end time.Time) []Record {
	paths, err := filepath.Glob(filepath.Join(t.localDir, "*.jsonl"))
	if err != nil {
		return nil
	}
	sort.Strings(paths)

	out := make([]Record, 0, 64)
	for _, path := range paths {
		f, openErr := os.Open(path)
		if openErr != nil {
			t.logger.Warn("读取本地质量文件失败", zap.String("path", path), zap.Error(openErr))
			continue
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var r Record
			if err := json.Unmarshal([]byte(line), &r); err != nil {
				continue
			}
			if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
				out = append(out, r)
			}
		}
		if scanErr := scanner.Err(); scanErr != nil {
			t.logger.Warn("扫描本地质量文件失败", zap.String("path", path), zap.Error(scanErr))
		}
		f.Close()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Summarize 汇总一批记录的滑点均值。
func Summarize(records []Record) Summary {
	if len(records) == 0 {
		return Summary{}
	}

	absSum := 0.0
	advSum := 0.0
	for _, r := range records {
		absSum += r.AbsSlippageBps
		advSum += r.AdverseSlippageBps
	}
	n := float64(len(records))
	return Summary{
		Tracked:               len(records),
		AvgAbsSlippageBps:     round6(absSum / n),
		AvgAdverseSlippageBps: round6(advSum / n),
	}
}
