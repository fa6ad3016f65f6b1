package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"social-publisher/internal/auth"
	"social-publisher/internal/config"
)

// Issues an API bearer token for a user id, for operators and local testing.
func main() {
	userID := flag.String("user", "", "user id the token is issued for")
	ttl := flag.Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
	flag.Parse()

	if *userID == "" {
		fmt.Println("Usage: go run ./cmd/token -user <id> [-ttl 1h]")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to reach Redis: %v", err)
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, rdb)
	if err != nil {
		log.Fatalf("Failed to initialize auth: %v", err)
	}
	token, exp, err := issuer.WithTTL(*ttl).Issue(*userID)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}

	fmt.Printf("User ID: %s\n", *userID)
	fmt.Printf("Expires: %s\n", exp.Format(time.RFC3339))
	fmt.Println(token)
}
