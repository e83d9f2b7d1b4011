package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                      string
	AllowedOrigin             string
	DatabaseURL               string
	RedisAddr                 string
	RedisPassword             string
	RedisDB                   int
	LocationID                string
	RegisterID                string
	FallbackTaxRateBps        int64
	LoyaltyPointValueCents    int64
	LoyaltyPointsPerDollar    int64
	PaymentTerminalURL        string
	PaymentAuthTimeoutSeconds int
	AuthSecret                string
	AccessTokenTTLMinutes     int
	ManagerPIN                string
	LogLevel                  string
	DevMode                   bool
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	authTimeout, err := strconv.Atoi(getEnv("PAYMENT_AUTH_TIMEOUT_SECONDS", "45"))
	if err != nil || authTimeout < 1 {
		authTimeout = 45
	}
	fallbackBps, err := strconv.ParseInt(getEnv("FALLBACK_TAX_RATE_BPS", "800"), 10, 64)
	if err != nil || fallbackBps < 0 {
		fallbackBps = 800
	}
	pointValue, err := strconv.ParseInt(getEnv("LOYALTY_POINT_VALUE_CENTS", "5"), 10, 64)
	if err != nil || pointValue < 0 {
		pointValue = 5
	}
	pointsPerDollar, err := strconv.ParseInt(getEnv("LOYALTY_POINTS_PER_DOLLAR", "1"), 10, 64)
	if err != nil || pointsPerDollar < 0 {
		pointsPerDollar = 1
	}

	cfg := Config{
		Port:                      getEnv("PORT", "8080"),
		AllowedOrigin:             getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		RedisDB:                   redisDB,
		LocationID:                getEnv("DEFAULT_LOCATION_ID", "loc-main"),
		RegisterID:                getEnv("DEFAULT_REGISTER_ID", "reg-1"),
		FallbackTaxRateBps:        fallbackBps,
		LoyaltyPointValueCents:    pointValue,
		LoyaltyPointsPerDollar:    pointsPerDollar,
		PaymentTerminalURL:        os.Getenv("PAYMENT_TERMINAL_URL"),
		PaymentAuthTimeoutSeconds: authTimeout,
		AuthSecret:                strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:     tokenTTL,
		ManagerPIN:                strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		DevMode:                   getEnv("DEV_MODE", "") == "1",
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
