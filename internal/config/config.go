package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 애플리케이션 전체 설정
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
	Auth      AuthConfig
	Store     StoreConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Firestore FirestoreConfig
	S3        S3Config
	Sync      SyncConfig
	Presence  PresenceConfig
	Cursor    CursorConfig
	Metrics   MetricsConfig
}

// ServerConfig HTTP 서버 설정
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// WebSocketConfig WebSocket 관련 설정
type WebSocketConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// CORSConfig CORS 설정
type CORSConfig struct {
	AllowOrigins string
	AllowHeaders string
}

// AuthConfig 세션 티켓 설정
type AuthConfig struct {
	TicketSecret string
	TicketExpiry time.Duration
	SecureCookie bool
}

// StoreConfig selects which adapter backs each store port.
// Objects/presence run on one backend ("memory", "redis", "firestore");
// the registry may sit elsewhere ("postgres" in addition to the above).
type StoreConfig struct {
	Backend      string
	MetaBackend  string
	RetryCount   int
	RetryBackoff time.Duration
}

// RedisConfig Redis 설정
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

// DatabaseConfig Postgres 레지스트리 설정
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// FirestoreConfig Firestore 설정
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
}

// S3Config AWS S3 설정
type S3Config struct {
	Region          string
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	PresignExpiry   time.Duration
}

// SyncConfig 도형 동기화 설정
type SyncConfig struct {
	WriteInterval    time.Duration
	ViewportInterval time.Duration
}

// PresenceConfig 프레즌스 설정
type PresenceConfig struct {
	HeartbeatInterval   time.Duration
	Timeout             time.Duration
	CursorWriteInterval time.Duration
	CursorMaxRate       int
	CursorBurst         int
}

// CursorConfig 커서 보간 설정
type CursorConfig struct {
	Speed         float64
	Epsilon       float64
	FrameInterval time.Duration
}

// MetricsConfig /metrics 보호 설정
type MetricsConfig struct {
	Enabled  bool
	User     string
	Password string
}

// Load 환경 변수에서 설정 로드
func Load() *Config {
	// .env 파일 로드 (없어도 에러 무시)
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}

	// 필수 환경 변수 검증
	ticketSecret := getRequiredEnv("TICKET_SECRET")
	if ticketSecret == "change-this-secret-in-production" {
		log.Fatal("🚨 CRITICAL: TICKET_SECRET must be changed from default value in production!")
	}

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:   getInt("WS_READ_BUFFER_SIZE", 16*1024),
			WriteBufferSize:  getInt("WS_WRITE_BUFFER_SIZE", 16*1024),
			HandshakeTimeout: getDuration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
			WriteTimeout:     getDuration("WS_WRITE_TIMEOUT", 5*time.Second),
		},
		CORS: CORSConfig{
			AllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
			AllowHeaders: getEnv("CORS_ALLOW_HEADERS", "Origin, Content-Type, Accept, Authorization"),
		},
		Auth: AuthConfig{
			TicketSecret: ticketSecret,
			TicketExpiry: getDuration("TICKET_EXPIRY", 12*time.Hour),
			SecureCookie: getBool("SECURE_COOKIE", false),
		},
		Store: StoreConfig{
			Backend:      getEnv("STORE_BACKEND", "memory"),
			MetaBackend:  getEnv("META_BACKEND", ""),
			RetryCount:   getInt("STORE_RETRY_COUNT", 3),
			RetryBackoff: getDuration("STORE_RETRY_BACKOFF", 200*time.Millisecond),
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", "localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getInt("REDIS_DB", 0),
			PresenceTTL: getDuration("REDIS_PRESENCE_TTL", 90*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "canvas_sync"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Firestore: FirestoreConfig{
			ProjectID:       getEnv("FIRESTORE_PROJECT_ID", ""),
			CredentialsFile: getEnv("FIRESTORE_CREDENTIALS_FILE", ""),
		},
		S3: S3Config{
			Region:          getEnv("AWS_REGION", "ap-northeast-2"),
			BucketName:      getEnv("AWS_S3_BUCKET", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			PresignExpiry:   getDuration("S3_PRESIGN_EXPIRY", 15*time.Minute),
		},
		Sync: SyncConfig{
			WriteInterval:    getDuration("SYNC_WRITE_INTERVAL", 16*time.Millisecond),
			ViewportInterval: getDuration("VIEWPORT_SAVE_INTERVAL", 500*time.Millisecond),
		},
		Presence: PresenceConfig{
			HeartbeatInterval:   getDuration("PRESENCE_HEARTBEAT_INTERVAL", 30*time.Second),
			Timeout:             getDuration("PRESENCE_TIMEOUT", 60*time.Second),
			CursorWriteInterval: getDuration("CURSOR_WRITE_INTERVAL", 50*time.Millisecond),
			CursorMaxRate:       getInt("CURSOR_MAX_RATE", 30),
			CursorBurst:         getInt("CURSOR_BURST", 10),
		},
		Cursor: CursorConfig{
			Speed:         getFloat("CURSOR_EASE_SPEED", 0.15),
			Epsilon:       getFloat("CURSOR_SNAP_EPSILON", 0.5),
			FrameInterval: getDuration("CURSOR_FRAME_INTERVAL", 16*time.Millisecond),
		},
		Metrics: MetricsConfig{
			Enabled:  getBool("METRICS_ENABLED", true),
			User:     getEnv("METRICS_USER", ""),
			Password: getEnv("METRICS_PASS", ""),
		},
	}
}

// getRequiredEnv 필수 환경 변수 조회 (없으면 Fatal)
func getRequiredEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("🚨 CRITICAL: Required environment variable %s is not set!", key)
	}
	return value
}

// getEnv 환경 변수 조회 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt 정수형 환경 변수 조회
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getFloat 실수형 환경 변수 조회
func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getBool 불리언 환경 변수 조회
func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getDuration 시간 환경 변수 조회
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// 숫자만 있으면 초로 간주
		if !strings.ContainsAny(value, "smh") {
			if secs, err := strconv.Atoi(value); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
