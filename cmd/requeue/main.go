package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/apk-analysis/apk-ensemble-go/internal/config"
	"github.com/apk-analysis/apk-ensemble-go/internal/queue"
	"github.com/apk-analysis/apk-ensemble-go/internal/retry"
)

// 用法: requeue [--config path] <report_dir>
func main() {
	args := os.Args[1:]
	configPath := config.DefaultPath
	if len(args) > 1 && args[0] == "--config" {
		configPath = args[1]
		args = args[2:]
	}
	if len(args) != 1 {
		log.Fatal("usage: requeue [--config path] <report_dir>")
	}
	reportDir := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	files, err := filepath.Glob(filepath.Join(reportDir, cfg.Watcher.Pattern))
	if err != nil {
		log.Fatalf("Invalid pattern %q: %v", cfg.Watcher.Pattern, err)
	}
	sort.Strings(files)

	fmt.Printf("找到 %d 个报告文件\n", len(files))
	if len(files) == 0 {
		return
	}

	ctx := context.Background()
	mq, err := queue.NewRabbitMQ(ctx, queue.Options{
		URL:   cfg.RabbitMQ.URL(),
		Queue: cfg.RabbitMQ.ReportQueue,
		Retry: retry.ForConnection("rabbitmq_requeue", logger, nil),
	}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	producer := queue.NewProducer(mq, logger)

	successCount := 0
	for i, path := range files {
		abs, err := filepath.Abs(path)
		if err != nil {
			log.Printf("❌ Failed to resolve %s: %v", path, err)
			continue
		}

		msg := &queue.ReportMessage{
			ReportID:   uuid.New().String(),
			ReportName: filepath.Base(path),
			ReportPath: abs,
		}
		if err := producer.PublishReport(ctx, msg); err != nil {
			log.Printf("❌ Failed to publish report %s: %v", msg.ReportName, err)
			continue
		}

		successCount++
		if (i+1)%100 == 0 {
			fmt.Printf("进度: %d/%d\n", i+1, len(files))
		}
	}

	fmt.Printf("\n✅ 成功入队 %d/%d 个报告\n", successCount, len(files))
}
