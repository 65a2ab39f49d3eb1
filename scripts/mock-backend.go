//go:build ignore

// Stand-in storefront backend for local runs of configs/gateway.yaml.
// Start one per upstream:
//
//	JWT_SECRET=... go run scripts/mock-backend.go -port 8081 -name user-service
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/edge-gateway/internal/auth"
	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/logging"
	"github.com/storefront/edge-gateway/internal/mock"
)

func main() {
	port := flag.Int("port", 8081, "Port to listen on")
	name := flag.String("name", "backend", "Backend name reported in logs")
	flag.Parse()

	verifier, err := auth.NewVerifier(config.JWTConfig{Secret: os.Getenv("JWT_SECRET")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "JWT_SECRET: %v\n", err)
		os.Exit(1)
	}

	logger, _ := logging.New(logging.Options{Level: "debug", Encoding: "console"})
	logging.SetGlobal(logger.With(zap.String("backend", *name)))

	storefront := mock.New(verifier)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("user", r.Header.Get("X-User-Email")),
		)
		storefront.ServeHTTP(w, r)
	})

	addr := fmt.Sprintf(":%d", *port)
	logging.Info("mock backend listening", zap.String("address", addr))
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logging.Error("mock backend stopped", zap.Error(err))
		os.Exit(1)
	}
}
