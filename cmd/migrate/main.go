package main

import (
	"fmt"
	"log"
	"os"

	"github.com/apk-analysis/apk-ensemble-go/internal/config"
	"github.com/apk-analysis/apk-ensemble-go/internal/repository"
)

func main() {
	// 加载配置
	configPath := config.DefaultPath
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	db, err := repository.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// 迁移分类记录表
	if err := repository.Migrate(db, logger); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	fmt.Printf("✓ Migration completed successfully (%s)\n", cfg.Database.Type)
}
