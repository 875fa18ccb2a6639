package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"pulseboard/internal/domain"
	"pulseboard/internal/infra/metrics"
)

const heatmapCacheKey = "heatmap:v1"

// DayLoader обслуживает загрузку дней ленты.
type DayLoader interface {
	LoadDay(ctx context.Context, day domain.Day) ([]domain.Record, error)
	Invalidate(day domain.Day)
	InvalidateAll()
}

// Overview отдаёт агрегаты и состояние обновления.
type Overview interface {
	Heatmap(ctx context.Context) ([]domain.HeatmapBucket, error)
	MissingDays(ctx context.Context) ([]domain.Day, error)
	IsRefreshing() bool
	LastError() error
}

// RefreshTrigger запускает циклы обновления.
type RefreshTrigger interface {
	TriggerRefresh(ctx context.Context) error
	ForceRefresh(ctx context.Context) error
}

// Handler реализует REST API поверх ядра.
type Handler struct {
	loader   DayLoader
	overview Overview
	trigger  RefreshTrigger
	accounts domain.AccountRepo
	cache    domain.Cache
	cacheTTL time.Duration
	log      zerolog.Logger
}

// NewHandler создаёт обработчик API.
func NewHandler(loader DayLoader, overview Overview, trigger RefreshTrigger, accounts domain.AccountRepo, cache domain.Cache, cacheTTL time.Duration, log zerolog.Logger) *Handler {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Handler{loader: loader, overview: overview, trigger: trigger, accounts: accounts, cache: cache, cacheTTL: cacheTTL, log: log}
}

// Mount регистрирует маршруты API.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/feed/{date}", h.getFeed)
		r.Get("/heatmap", h.getHeatmap)
		r.Get("/days/missing", h.getMissingDays)
		r.Get("/refresh/status", h.getRefreshStatus)
		r.Post("/refresh", h.postRefresh)
		r.Post("/refresh/force", h.postForceRefresh)
		r.Get("/accounts", h.getAccounts)
		r.Post("/accounts", h.postAccount)
	})
}

// InvalidateHeatmap сбрасывает закэшированную тепловую карту; вызывается
// при каждом уведомлении об изменении данных дня.
func (h *Handler) InvalidateHeatmap() {
	if err := h.cache.Del(heatmapCacheKey); err != nil {
		h.log.Warn().Err(err).Msg("api: не удалось сбросить кэш тепловой карты")
	}
}

type feedResponse struct {
	Day     domain.Day   `json:"day"`
	Records []feedRecord `json:"records"`
	Error   string       `json:"error,omitempty"`
}

type feedRecord struct {
	ID         string          `json:"id"`
	AccountID  int64           `json:"account_id"`
	Kind       string          `json:"kind"`
	Title      string          `json:"title"`
	URL        string          `json:"url"`
	OccurredAt time.Time       `json:"occurred_at"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

func (h *Handler) getFeed(w http.ResponseWriter, r *http.Request) {
	day, err := domain.ParseDay(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	records, loadErr := h.loader.LoadDay(r.Context(), day)
	resp := feedResponse{Day: day, Records: make([]feedRecord, 0, len(records))}
	for _, record := range records {
		resp.Records = append(resp.Records, feedRecord{
			ID:         record.ID,
			AccountID:  record.AccountID,
			Kind:       record.Kind,
			Title:      record.Title,
			URL:        record.URL,
			OccurredAt: record.OccurredAt,
			Meta:       record.RawMetaJSON,
		})
	}
	// Частичные данные отдаются вместе с текстом ошибки, а не вместо него.
	if loadErr != nil {
		resp.Error = loadErr.Error()
	}
	writeJSON(w, resp)
}

func (h *Handler) getHeatmap(w http.ResponseWriter, r *http.Request) {
	if cached, err := h.cache.Get(heatmapCacheKey); err == nil && len(cached) > 0 {
		metrics.IncHeatmapCache("hit")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(cached)
		return
	}
	metrics.IncHeatmapCache("miss")

	buckets, err := h.overview.Heatmap(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("api: тепловая карта недоступна")
		writeError(w, http.StatusInternalServerError, "heatmap unavailable")
		return
	}
	payload, err := json.Marshal(map[string]any{"buckets": buckets})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode failed")
		return
	}
	if err := h.cache.Set(heatmapCacheKey, payload, h.cacheTTL); err != nil {
		h.log.Warn().Err(err).Msg("api: не удалось закэшировать тепловую карту")
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (h *Handler) getMissingDays(w http.ResponseWriter, r *http.Request) {
	days, err := h.overview.MissingDays(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("api: недостающие дни недоступны")
		writeError(w, http.StatusInternalServerError, "missing days unavailable")
		return
	}
	if days == nil {
		days = []domain.Day{}
	}
	writeJSON(w, map[string]any{"days": days})
}

func (h *Handler) getRefreshStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{"is_refreshing": h.overview.IsRefreshing()}
	if err := h.overview.LastError(); err != nil {
		status["last_error"] = err.Error()
	}
	writeJSON(w, status)
}

func (h *Handler) postRefresh(w http.ResponseWriter, _ *http.Request) {
	go func() {
		if err := h.trigger.TriggerRefresh(context.Background()); err != nil {
			h.log.Warn().Err(err).Msg("api: обновление завершилось с ошибками")
		}
	}()
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) postForceRefresh(w http.ResponseWriter, _ *http.Request) {
	h.loader.InvalidateAll()
	go func() {
		if err := h.trigger.ForceRefresh(context.Background()); err != nil {
			h.log.Warn().Err(err).Msg("api: принудительное обновление завершилось с ошибками")
		}
	}()
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type accountResponse struct {
	ID       int64           `json:"id"`
	Provider domain.Provider `json:"provider"`
	Login    string          `json:"login"`
	Title    string          `json:"title"`
	Enabled  bool            `json:"enabled"`
}

func (h *Handler) getAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.ListEnabled(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("api: список аккаунтов недоступен")
		writeError(w, http.StatusInternalServerError, "accounts unavailable")
		return
	}
	resp := make([]accountResponse, 0, len(accounts))
	for _, account := range accounts {
		resp = append(resp, accountResponse{ID: account.ID, Provider: account.Provider, Login: account.Login, Title: account.Title, Enabled: account.Enabled})
	}
	writeJSON(w, resp)
}

type createAccountRequest struct {
	Provider string `json:"provider"`
	Login    string `json:"login"`
	Title    string `json:"title"`
}

func (h *Handler) postAccount(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" || req.Login == "" {
		writeError(w, http.StatusBadRequest, "provider and login are required")
		return
	}

	account, err := h.accounts.UpsertAccount(r.Context(), domain.Account{
		Provider: domain.Provider(req.Provider),
		Login:    req.Login,
		Title:    req.Title,
		Enabled:  true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("api: не удалось сохранить аккаунт")
		writeError(w, http.StatusInternalServerError, "account save failed")
		return
	}

	// Новый аккаунт делает дни горизонта недостающими: форсируем цикл
	// мимо debounce.
	h.loader.InvalidateAll()
	go func() {
		if err := h.trigger.ForceRefresh(context.Background()); err != nil {
			h.log.Warn().Err(err).Msg("api: обновление после добавления аккаунта завершилось с ошибками")
		}
	}()

	writeJSONStatus(w, http.StatusCreated, accountResponse{ID: account.ID, Provider: account.Provider, Login: account.Login, Title: account.Title, Enabled: account.Enabled})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
