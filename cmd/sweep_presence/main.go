package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"canvas-sync/internal/config"
	"canvas-sync/internal/model"
)

// 끊긴 프레즌스 레코드 청소 도구. 키 TTL은 논리 타임아웃보다 길게
// 잡혀 있으므로, TTL이 걷어가기 전의 죽은 레코드를 여기서 지운다.
func main() {
	dryRun := flag.Bool("dry-run", false, "report stale records without deleting them")
	flag.Parse()

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("❌ Failed to connect to Redis:", err)
	}
	fmt.Println("✅ Connected to Redis at", cfg.Redis.Addr)
	fmt.Printf("📊 Presence timeout: %s\n", cfg.Presence.Timeout)
	fmt.Println()

	now := time.Now()
	scanned, stale, swept := 0, 0, 0

	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, "canvas:*:presence:*", 200).Result()
		if err != nil {
			log.Fatal("❌ SCAN failed:", err)
		}
		for _, key := range keys {
			scanned++
			data, err := client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue // TTL이 먼저 걷어갔다
			}
			if err != nil {
				fmt.Printf("⚠️ %s: read failed: %v\n", key, err)
				continue
			}

			var p model.UserPresence
			if err := json.Unmarshal(data, &p); err != nil {
				// 깨진 레코드도 청소 대상이다.
				fmt.Printf("⚠️ %s: corrupt record, removing\n", key)
			} else if p.Live(now, cfg.Presence.Timeout) {
				continue
			}

			stale++
			if *dryRun {
				age := now.UnixMilli() - p.LastSeen
				fmt.Printf("📋 stale: %s (user %s, last seen %s ago)\n",
					key, p.UserID, time.Duration(age)*time.Millisecond)
				continue
			}
			if err := client.Del(ctx, key).Err(); err != nil {
				fmt.Printf("⚠️ %s: delete failed: %v\n", key, err)
				continue
			}
			swept++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	fmt.Println()
	fmt.Printf("📈 Scanned %d presence records, %d stale\n", scanned, stale)
	if *dryRun {
		fmt.Println("ℹ️ Dry run, nothing deleted")
		return
	}
	fmt.Printf("✅ Swept %d stale records\n", swept)
}
