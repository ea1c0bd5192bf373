package main

import (
	"net/http"

	"github.com/pixelforge/backend/internal/auth"
	"github.com/pixelforge/backend/internal/config"
	"github.com/pixelforge/backend/internal/handlers"
	"github.com/pixelforge/backend/internal/middleware"
)

// newRouter mounts the v1 API. Authenticated routes sit behind JWTAuth;
// admin routes additionally behind RequireAdmin; the generation create route
// behind the shape-level RequestGuard.
func newRouter(
	cfg config.Config,
	authSvc auth.Service,
	authHandler *auth.Handler,
	generationHandler *handlers.GenerationHandler,
	adminHandler *handlers.AdminHandler,
	metricsHandler http.Handler,
) http.Handler {
	mux := http.NewServeMux()

	authed := middleware.JWTAuth(authSvc)
	guard := middleware.RequestGuard(cfg.MaxPromptLength, cfg.MaxOutputsPerRequest)
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(middleware.RequireAdmin(h))
	}

	mux.HandleFunc("/v1/auth/register", authHandler.Register)
	mux.HandleFunc("/v1/auth/login", authHandler.Login)
	mux.HandleFunc("/v1/models", methodGET(generationHandler.Models))

	mux.Handle("/v1/generations", authed(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			guard(http.HandlerFunc(generationHandler.Create)).ServeHTTP(w, r)
		case http.MethodGet:
			generationHandler.List(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})))
	mux.Handle("/v1/generations/", authed(methodGET(generationHandler.Get)))
	mux.Handle("/v1/balance", authed(methodGET(generationHandler.Balance)))
	mux.Handle("/v1/ledger", authed(methodGET(generationHandler.LedgerHistory)))

	mux.Handle("/v1/admin/prices", admin(methodFunc(http.MethodPut, adminHandler.SetPrice)))
	mux.Handle("/v1/admin/prices/multiply", admin(methodFunc(http.MethodPost, adminHandler.MultiplyPrices)))
	mux.Handle("/v1/admin/prices/", admin(adminHandler.PriceList))
	mux.Handle("/v1/admin/credits", admin(methodFunc(http.MethodPost, adminHandler.AdjustCredits)))
	mux.Handle("/v1/admin/ban", admin(methodFunc(http.MethodPost, adminHandler.SetBanned)))
	mux.Handle("/v1/admin/free-mode", admin(methodFunc(http.MethodPost, adminHandler.SetFreeMode)))
	mux.Handle("/v1/admin/provider-balance", admin(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			adminHandler.ProviderBalance(w, r)
		case http.MethodPost:
			adminHandler.AddProviderBalance(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return methodFunc(http.MethodGet, h)
}

func methodFunc(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
