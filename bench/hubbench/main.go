// hubbench 模拟大量现场终端连接 site hub，测量长连接建立与位置广播延迟
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/site_hub/pkg/jwt"
)

// Config 压测配置
type Config struct {
	Mode           string        `json:"mode"` // connect-only, presence
	Target         string        `json:"target"`
	Conns          int           `json:"conns"`
	Projects       int           `json:"projects"`
	Duration       time.Duration `json:"duration"`
	Ramp           time.Duration `json:"ramp"`
	UpdateInterval time.Duration `json:"update_interval"`
	Secret         string        `json:"-"`
	Issuer         string        `json:"issuer"`
	Output         string        `json:"output"`
	Verbose        bool          `json:"verbose"`
}

// Stats 统计数据
type Stats struct {
	mu sync.Mutex

	TotalAttempts int64
	SuccessConns  int64
	FailedConns   int64
	CurrentConns  int64
	Disconnects   int64

	UpdatesSent   int64
	UpdatesFailed int64
	Broadcasts    int64

	ConnLatencies   []int64
	FanoutLatencies []int64
	Errors          map[string]int64

	StartTime time.Time
	EndTime   time.Time
}

func (s *Stats) addError(err error) {
	msg := err.Error()
	if len(msg) > 50 {
		msg = msg[:50]
	}
	s.mu.Lock()
	s.Errors[msg]++
	s.mu.Unlock()
}

// LatencyStats 延迟统计（毫秒）
type LatencyStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

// Result 压测结果
type Result struct {
	Config        Config           `json:"config"`
	TotalAttempts int64            `json:"total_attempts"`
	SuccessConns  int64            `json:"success_conns"`
	FailedConns   int64            `json:"failed_conns"`
	SuccessRate   float64          `json:"success_rate_percent"`
	Disconnects   int64            `json:"disconnects"`
	ConnLatency   LatencyStats     `json:"conn_latency_ms"`
	UpdatesSent   int64            `json:"updates_sent"`
	UpdatesFailed int64            `json:"updates_failed"`
	Broadcasts    int64            `json:"broadcasts_received"`
	FanoutLatency LatencyStats     `json:"fanout_latency_ms"`
	Errors        map[string]int64 `json:"errors"`
	ActualTime    float64          `json:"actual_time_seconds"`
}

// agent 一个模拟终端
type agent struct {
	id        int
	userID    string
	projectID string
	token     string
	conn      *websocket.Conn
	writeMu   sync.Mutex
}

func main() {
	cfg := parseFlags()

	fmt.Println("=== hubbench - site hub 压测工具 ===")
	fmt.Printf("模式: %s\n", cfg.Mode)
	fmt.Printf("目标: %s\n", cfg.Target)
	fmt.Printf("连接数: %d，项目数: %d\n", cfg.Conns, cfg.Projects)
	fmt.Printf("持续时间: %s，爬坡: %s\n\n", cfg.Duration, cfg.Ramp)

	stats := &Stats{Errors: make(map[string]int64), StartTime: time.Now()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听中断信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，正在关闭...")
		cancel()
	}()

	runBench(ctx, cfg, stats)
	stats.EndTime = time.Now()

	result := generateResult(cfg, stats)
	if cfg.Output == "json" {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}
	outputText(os.Stdout, result)
}

func parseFlags() Config {
	cfg := Config{}
	flag.StringVar(&cfg.Mode, "mode", "presence", "压测模式: connect-only, presence")
	flag.StringVar(&cfg.Target, "target", "http://localhost:8080", "site hub 地址")
	flag.IntVar(&cfg.Conns, "conns", 200, "模拟终端数")
	flag.IntVar(&cfg.Projects, "projects", 10, "项目数，终端平均分配")
	flag.DurationVar(&cfg.Duration, "duration", 2*time.Minute, "压测持续时间")
	flag.DurationVar(&cfg.Ramp, "ramp", 20*time.Second, "爬坡时间")
	flag.DurationVar(&cfg.UpdateInterval, "update-interval", 5*time.Second, "每个终端上报位置的间隔（presence 模式）")
	flag.StringVar(&cfg.Secret, "jwt-secret", "dev-secret-change-me-please", "与 site hub 相同的 jwt.secret")
	flag.StringVar(&cfg.Issuer, "jwt-issuer", "fieldsync-hub", "与 site hub 相同的 jwt.issuer")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "详细输出")
	flag.Parse()
	if cfg.Projects < 1 {
		cfg.Projects = 1
	}
	return cfg
}

// channelURL 由 http(s) 地址推导 ws(s)://.../ws
func channelURL(target string) (string, error) {
	u, err := url.Parse(strings.TrimRight(target, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path += protocol.PathChannel
	return u.String(), nil
}

func runBench(ctx context.Context, cfg Config, stats *Stats) {
	wsURL, err := channelURL(cfg.Target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "目标地址无效: %v\n", err)
		return
	}
	tokens := jwt.NewManager(cfg.Secret, cfg.Issuer)

	perSecond := float64(cfg.Conns) / cfg.Ramp.Seconds()
	if perSecond < 1 {
		perSecond = 1
	}
	bar := progressbar.NewOptions(cfg.Conns,
		progressbar.OptionSetDescription("建立连接"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("conn"),
	)

	var (
		mu     sync.Mutex
		agents []*agent
		wg     sync.WaitGroup
	)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / perSecond))
	defer ticker.Stop()

ramp:
	for id := 0; id < cfg.Conns; id++ {
		select {
		case <-ctx.Done():
			break ramp
		case <-ticker.C:
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer bar.Add(1)
			a := &agent{id: id, userID: fmt.Sprintf("bench-%d", id), projectID: fmt.Sprintf("bench-site-%d", id%cfg.Projects)}
			if err := a.connect(ctx, wsURL, tokens, stats); err != nil {
				if cfg.Verbose {
					fmt.Printf("连接 %d 失败: %v\n", id, err)
				}
				return
			}
			mu.Lock()
			agents = append(agents, a)
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	bar.Finish()
	fmt.Printf("\n成功建立 %d 个连接\n\n", len(agents))
	if len(agents) == 0 {
		return
	}

	remaining := cfg.Duration - time.Since(stats.StartTime)
	if remaining <= 0 {
		remaining = time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	var runWg sync.WaitGroup
	for _, a := range agents {
		runWg.Add(2)
		go func(a *agent) {
			defer runWg.Done()
			a.readLoop(stats)
		}(a)
		go func(a *agent) {
			defer runWg.Done()
			defer a.conn.Close()
			if cfg.Mode == "presence" {
				a.updateLoop(runCtx, client, cfg, stats)
				return
			}
			<-runCtx.Done()
		}(a)
	}

	report := time.NewTicker(10 * time.Second)
	defer report.Stop()
	for {
		select {
		case <-runCtx.Done():
			fmt.Println("压测结束，关闭连接...")
			runWg.Wait()
			return
		case <-report.C:
			printProgress(stats)
		}
	}
}

func (a *agent) connect(ctx context.Context, wsURL string, tokens *jwt.Manager, stats *Stats) error {
	atomic.AddInt64(&stats.TotalAttempts, 1)
	tok, err := tokens.Generate(a.userID, a.userID, protocol.RoleLabour, time.Hour)
	if err != nil {
		return err
	}
	a.token = tok

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, ReadBufferSize: 4096, WriteBufferSize: 4096}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	header.Set(protocol.HeaderUserID, a.userID)

	start := time.Now()
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		stats.addError(err)
		return err
	}
	stats.mu.Lock()
	stats.ConnLatencies = append(stats.ConnLatencies, time.Since(start).Nanoseconds())
	stats.mu.Unlock()
	atomic.AddInt64(&stats.SuccessConns, 1)
	atomic.AddInt64(&stats.CurrentConns, 1)
	a.conn = conn

	return a.send(protocol.Subscribe{UserID: a.userID, ProjectIDs: []string{a.projectID}})
}

func (a *agent) send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop 统计其他终端位置广播的端到端延迟
func (a *agent) readLoop(stats *Stats) {
	defer atomic.AddInt64(&stats.CurrentConns, -1)
	for {
		a.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				atomic.AddInt64(&stats.Disconnects, 1)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			stats.addError(err)
			continue
		}
		users, ok := msg.(protocol.Users)
		if !ok || users.Type != protocol.TypeLocationUpdate {
			continue
		}
		now := time.Now()
		for _, u := range users.Users {
			if u.UserID == a.userID {
				continue
			}
			atomic.AddInt64(&stats.Broadcasts, 1)
			stats.mu.Lock()
			stats.FanoutLatencies = append(stats.FanoutLatencies, now.Sub(u.LastUpdated).Nanoseconds())
			stats.mu.Unlock()
		}
	}
}

func (a *agent) updateLoop(ctx context.Context, client *http.Client, cfg Config, stats *Stats) {
	ticker := time.NewTicker(cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.postLocation(ctx, client, cfg.Target); err != nil {
				atomic.AddInt64(&stats.UpdatesFailed, 1)
				stats.addError(err)
				continue
			}
			atomic.AddInt64(&stats.UpdatesSent, 1)
		}
	}
}

func (a *agent) postLocation(ctx context.Context, client *http.Client, target string) error {
	now := time.Now().UTC()
	body, err := json.Marshal(protocol.LocationUpdateRequest{
		Coordinates: protocol.Coordinates{Lat: -33.86 + float64(a.id%100)*1e-4, Lng: 151.2},
		Role:        protocol.RoleLabour,
		ProjectID:   a.projectID,
		CapturedAt:  &now,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(target, "/")+protocol.PathLocationUpdate, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("location update: %s", resp.Status)
	}
	return nil
}

func printProgress(stats *Stats) {
	fmt.Printf("[%s] 当前连接: %d | 失败: %d | 断开: %d | 上报: %d/%d | 广播: %d\n",
		time.Since(stats.StartTime).Round(time.Second),
		atomic.LoadInt64(&stats.CurrentConns),
		atomic.LoadInt64(&stats.FailedConns),
		atomic.LoadInt64(&stats.Disconnects),
		atomic.LoadInt64(&stats.UpdatesSent),
		atomic.LoadInt64(&stats.UpdatesFailed),
		atomic.LoadInt64(&stats.Broadcasts),
	)
}

func generateResult(cfg Config, stats *Stats) Result {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	r := Result{
		Config:        cfg,
		TotalAttempts: stats.TotalAttempts,
		SuccessConns:  stats.SuccessConns,
		FailedConns:   stats.FailedConns,
		Disconnects:   stats.Disconnects,
		UpdatesSent:   stats.UpdatesSent,
		UpdatesFailed: stats.UpdatesFailed,
		Broadcasts:    stats.Broadcasts,
		ConnLatency:   calculateLatencyStats(stats.ConnLatencies),
		FanoutLatency: calculateLatencyStats(stats.FanoutLatencies),
		Errors:        stats.Errors,
		ActualTime:    stats.EndTime.Sub(stats.StartTime).Seconds(),
	}
	if r.TotalAttempts > 0 {
		r.SuccessRate = float64(r.SuccessConns) / float64(r.TotalAttempts) * 100
	}
	return r
}

func calculateLatencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sorted := append([]int64(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	toMs := func(ns float64) float64 { return ns / 1e6 }
	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	avg := sum / float64(len(sorted))
	var variance float64
	for _, v := range sorted {
		d := float64(v) - avg
		variance += d * d
	}
	variance /= float64(len(sorted))

	pct := func(p int) float64 { return toMs(float64(sorted[len(sorted)*p/100])) }
	return LatencyStats{
		Min:    toMs(float64(sorted[0])),
		Max:    toMs(float64(sorted[len(sorted)-1])),
		Avg:    toMs(avg),
		P50:    pct(50),
		P90:    pct(90),
		P95:    pct(95),
		P99:    pct(99),
		StdDev: toMs(math.Sqrt(variance)),
	}
}

func outputText(w io.Writer, r Result) {
	fmt.Fprintln(w, "==================== 压测结果 ====================")
	fmt.Fprintf(w, "尝试连接数:     %d\n", r.TotalAttempts)
	fmt.Fprintf(w, "成功连接数:     %d\n", r.SuccessConns)
	fmt.Fprintf(w, "连接成功率:     %.2f%%\n", r.SuccessRate)
	fmt.Fprintf(w, "断开连接数:     %d\n", r.Disconnects)
	printLatency(w, "连接延迟", r.ConnLatency)
	if r.Config.Mode == "presence" {
		fmt.Fprintf(w, "位置上报:       %d (失败 %d)\n", r.UpdatesSent, r.UpdatesFailed)
		fmt.Fprintf(w, "收到广播:       %d\n", r.Broadcasts)
		printLatency(w, "广播延迟", r.FanoutLatency)
	}
	if len(r.Errors) > 0 {
		fmt.Fprintln(w, "--- 错误统计 ---")
		for msg, count := range r.Errors {
			fmt.Fprintf(w, "%s: %d\n", msg, count)
		}
	}
	fmt.Fprintf(w, "--- 运行时间: %.2f 秒 ---\n", r.ActualTime)
}

func printLatency(w io.Writer, title string, l LatencyStats) {
	fmt.Fprintf(w, "--- %s (ms) ---\n", title)
	fmt.Fprintf(w, "Min %.2f | Avg %.2f | P50 %.2f | P90 %.2f | P95 %.2f | P99 %.2f | Max %.2f | StdDev %.2f\n",
		l.Min, l.Avg, l.P50, l.P90, l.P95, l.P99, l.Max, l.StdDev)
}
