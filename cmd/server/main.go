package main

import (
	"log"

	"canvas-sync/internal/config"
	"canvas-sync/internal/metrics"
	"canvas-sync/internal/server"
)

func main() {
	// 설정 로드
	cfg := config.Load()

	// Prometheus 카운터 등록
	metrics.InitPrometheus()

	// 서버 생성 및 설정 (스토어 어댑터 조립 포함)
	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("❌ Server initialization failed: %v", err)
	}
	defer srv.Shutdown()

	srv.SetupMiddleware()
	srv.SetupRoutes()

	log.Printf("✅ Canvas sync core ready (store: %s)", storeLabel(cfg))

	// 서버 시작
	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func storeLabel(cfg *config.Config) string {
	backend := cfg.Store.Backend
	if backend == "" {
		backend = "memory"
	}
	if cfg.Store.MetaBackend == "postgres" {
		return backend + "+postgres"
	}
	return backend
}
