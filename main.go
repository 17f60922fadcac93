package main

import (
	"context"
	"log"
	"os"
	"time"

	"voicechat/internal/api"
	"voicechat/internal/audio"
	"voicechat/internal/auth"
	"voicechat/internal/chat"
	"voicechat/internal/config"
	"voicechat/internal/controller"
	"voicechat/internal/redis"
	"voicechat/internal/storage"
	"voicechat/internal/store"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("VOICECHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("VOICECHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	// Create necessary tables: users, user_tokens, profiles, conversations, messages
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	sessionStore := store.New(db)
	chatClient := chat.NewClient(cfg.Chat.BaseURL, cfg.Chat.Timeout())

	playerCmd := cfg.Audio.PlayerCommand
	if len(playerCmd) == 0 {
		playerCmd = []string{"mpg123", "-q"}
	}
	player, err := audio.NewCommandPlayer(playerCmd)
	if err != nil {
		log.Fatalf("init audio player: %v", err)
	}
	sequencer, err := audio.NewSequencer(player, cfg.Audio.CacheDir)
	if err != nil {
		log.Fatalf("init audio sequencer: %v", err)
	}
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	sequencer.StartCacheSweeper(sweepCtx,
		time.Duration(cfg.Audio.SweepIntervalMinutes)*time.Minute,
		time.Duration(cfg.Audio.CacheTTLMinutes)*time.Minute,
	)
	defer sequencer.Stop()

	managers := controller.NewManager(sessionStore, chatClient, sequencer)
	defer managers.Shutdown()
	authService := auth.NewService(db, rdb, 24*time.Hour)
	handlers := api.NewHandler(sessionStore, authService, managers)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
