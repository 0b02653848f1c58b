package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/onyxlabs/exchange/backend/internal/config"
	"github.com/onyxlabs/exchange/backend/internal/indexer"
)

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            *indexer.Store
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := indexer.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/offers", s.handleOffers)
	mux.HandleFunc("/api/v1/offers/", s.handleOfferSubroutes)
	mux.HandleFunc("/api/v1/redemption-offers", s.handleRedemptionOffers)
	mux.HandleFunc("/api/v1/redemption-requests", s.handleRedemptionRequests)
	mux.HandleFunc("/api/v1/cache", s.handleCacheState)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWebsocket)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK       bool   `json:"ok"`
	LastSlot uint64 `json:"last_slot,omitempty"`
	SyncedAt int64  `json:"synced_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	response := healthResponse{OK: true}
	sync, err := s.store.GetSyncState(r.Context())
	if err == nil {
		response.LastSlot = sync.LastSlot
		response.SyncedAt = sync.UpdatedAt
	} else if !errors.Is(err, indexer.ErrNotFound) {
		s.logger.Error("get sync state failed", "err", err)
		response.OK = false
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Service) handleOffers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListOffers(r.Context(), indexer.OfferFilter{
		TokenInMint:  strings.TrimSpace(r.URL.Query().Get("token_in_mint")),
		TokenOutMint: strings.TrimSpace(r.URL.Query().Get("token_out_mint")),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		s.logger.Error("list offers failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list offers")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[offerView]{
		Items:  s.renderOffers(items),
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleOfferSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/offers/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleOfferDetail(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "quote":
		s.handleOfferQuote(w, r, parts[0])
	default:
		s.respondError(w, http.StatusNotFound, "not found")
	}
}

func (s *Service) handleRedemptionOffers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListRedemptionOffers(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list redemption offers failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list redemption offers")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.RedemptionOfferRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleRedemptionRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && status != "open" && status != "closed" {
		s.respondError(w, http.StatusBadRequest, "status must be open or closed")
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListRedemptionRequests(r.Context(), indexer.RedemptionRequestFilter{
		Offer:    strings.TrimSpace(r.URL.Query().Get("offer")),
		Redeemer: strings.TrimSpace(r.URL.Query().Get("redeemer")),
		Status:   status,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list redemption requests failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list redemption requests")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.RedemptionRequestRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	afterID, err := parseOptionalInt64(r, "after_id", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.store.ListEvents(r.Context(), indexer.EventFilter{
		AfterID:   afterID,
		EventType: strings.TrimSpace(r.URL.Query().Get("type")),
		Limit:     limit,
	})
	if err != nil {
		s.logger.Error("list events failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, allowed := s.allowedOriginSet[origin]
	return allowed
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseOptionalInt64(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseRequiredUint64(r *http.Request, key string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
