// fieldctl 离线队列运维工具：查看待补发条目、带进度补发、删除无法补发的条目。
// flush 与 drop 直接操作持久化存储，执行前需先停止 field agent。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/adapters/out/rest"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/adapters/out/store"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/adapters/out/token"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/config"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "用法: fieldctl [-config path] pending|flush|drop <id>\n")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "配置文件路径，为空时按 APP_ENV 查找")
	timeout := flag.Duration("timeout", 5*time.Minute, "flush 总超时")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, _, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	qs, err := store.Open(cfg.Queue.Driver, cfg.Queue.DSN, cfg.Queue.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开队列失败: %v\n", err)
		os.Exit(1)
	}
	defer qs.Close()

	ctx := context.Background()
	switch cmd := flag.Arg(0); cmd {
	case "pending":
		err = listPending(ctx, qs, os.Stdout)
	case "flush":
		var tokens out.TokenProvider
		tokens, err = token.New(cfg.User.Token, cfg.User.TokenFile)
		if err != nil {
			break
		}
		client := rest.NewClient(cfg.Backend.BaseURL, cfg.User.ID, cfg.Backend.Timeout, tokens)
		fctx, cancel := context.WithTimeout(ctx, *timeout)
		var n int
		n, err = flush(fctx, qs, client, os.Stderr)
		cancel()
		fmt.Printf("synced %d\n", n)
	case "drop":
		if flag.NArg() < 2 {
			usage()
			os.Exit(2)
		}
		err = qs.Delete(ctx, flag.Arg(1))
		if err == nil {
			fmt.Printf("dropped %s\n", flag.Arg(1))
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令 %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "fieldctl: %v\n", err)
		os.Exit(1)
	}
}

func listPending(ctx context.Context, qs out.QueueStore, w io.Writer) error {
	items, err := qs.List(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		fmt.Fprintf(w, "%s  %s  %-6s %s  %dB\n",
			it.ID, it.CreatedAt.Local().Format(time.DateTime), it.Method, it.TargetURL, len(it.Body))
	}
	fmt.Fprintf(w, "%d pending\n", len(items))
	return nil
}

// flush 按入队顺序补发，遇到第一条失败即停止，返回成功条数
func flush(ctx context.Context, qs out.QueueStore, replayer out.Replayer, w io.Writer) (int, error) {
	items, err := qs.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	bar := progressbar.NewOptions(len(items),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("补发"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("req"),
	)

	synced := 0
	for _, it := range items {
		if err := replayer.Replay(ctx, it); err != nil {
			_ = bar.Exit()
			return synced, fmt.Errorf("replay %s stopped the flush: %w", it.ID, err)
		}
		if err := qs.Delete(ctx, it.ID); err != nil {
			_ = bar.Exit()
			return synced, errors.Join(fmt.Errorf("remove %s after replay", it.ID), err)
		}
		synced++
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return synced, nil
}
