package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulseboard/internal/domain"
	"pulseboard/internal/infra/metrics"
)

// Postgres реализует domain.DayStore и domain.AccountRepo на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.DayStore    = (*Postgres)(nil)
	_ domain.AccountRepo = (*Postgres)(nil)
)

// ErrAccountNotFound возвращается, если аккаунт не существует.
var ErrAccountNotFound = errors.New("аккаунт не найден")

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// GetDay возвращает запись индекса дня или nil, если день не выгружался.
func (p *Postgres) GetDay(ctx context.Context, accountID int64, day domain.Day) (*domain.DayEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT fetched_at, record_count FROM day_index WHERE account_id = $1 AND day = $2
`, accountID, day.Time())
	var entry domain.DayEntry
	err := row.Scan(&entry.FetchedAt, &entry.Count)
	metrics.ObserveNetworkRequest("postgres", "day_index_get", "day_index", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение индекса дня: %w", err)
	}
	entry.FetchedAt = entry.FetchedAt.UTC()
	return &entry, nil
}

// GetRecords возвращает записи дня для аккаунта, от новых к старым.
func (p *Postgres) GetRecords(ctx context.Context, accountID int64, day domain.Day) ([]domain.Record, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, kind, title, url, occurred_at, raw_meta
FROM records
WHERE account_id = $1 AND day = $2
ORDER BY occurred_at DESC
`, accountID, day.Time())
	metrics.ObserveNetworkRequest("postgres", "records_list", "records", start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение записей дня: %w", err)
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		record := domain.Record{AccountID: accountID}
		if err := rows.Scan(&record.ID, &record.Kind, &record.Title, &record.URL, &record.OccurredAt, &record.RawMetaJSON); err != nil {
			return nil, fmt.Errorf("скан записи: %w", err)
		}
		record.OccurredAt = record.OccurredAt.UTC()
		records = append(records, record)
	}
	return records, rows.Err()
}

// PutDay атомарно заменяет записи дня и его индексную запись: читатели
// никогда не видят наполовину записанный день.
func (p *Postgres) PutDay(ctx context.Context, accountID int64, day domain.Day, records []domain.Record, fetchedAt time.Time) error {
	// Провайдер может вернуть дубли: индексный счётчик обязан совпадать
	// с числом реально сохранённых строк.
	records = dedupeRecords(records)

	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		metrics.ObserveNetworkRequest("postgres", "day_put", "records", start, err)
		return fmt.Errorf("открытие транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM records WHERE account_id = $1 AND day = $2`, accountID, day.Time()); err != nil {
		return fmt.Errorf("очистка дня: %w", err)
	}
	for _, record := range records {
		if _, err := tx.Exec(ctx, `
INSERT INTO records (id, account_id, day, kind, title, url, occurred_at, raw_meta)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (account_id, day, id) DO NOTHING
`, record.ID, accountID, day.Time(), record.Kind, record.Title, record.URL, record.OccurredAt.UTC(), record.RawMetaJSON); err != nil {
			return fmt.Errorf("вставка записи: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO day_index (account_id, day, fetched_at, record_count)
VALUES ($1, $2, $3, $4)
ON CONFLICT (account_id, day) DO UPDATE SET fetched_at = EXCLUDED.fetched_at, record_count = EXCLUDED.record_count
`, accountID, day.Time(), fetchedAt.UTC(), len(records)); err != nil {
		return fmt.Errorf("обновление индекса дня: %w", err)
	}

	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "day_put", "records", start, err)
	if err != nil {
		return fmt.Errorf("фиксация транзакции: %w", err)
	}
	return nil
}

// dedupeRecords убирает повторяющиеся ID, оставляя первое вхождение.
func dedupeRecords(records []domain.Record) []domain.Record {
	seen := make(map[string]struct{}, len(records))
	out := records[:0]
	for _, record := range records {
		if _, ok := seen[record.ID]; ok {
			continue
		}
		seen[record.ID] = struct{}{}
		out = append(out, record)
	}
	return out
}

// ScanDays пакетно читает индексные записи для набора аккаунтов и дней.
func (p *Postgres) ScanDays(ctx context.Context, accountIDs []int64, days []domain.Day) (map[domain.DayKey]domain.DayEntry, error) {
	entries := make(map[domain.DayKey]domain.DayEntry, len(accountIDs)*len(days))
	if len(accountIDs) == 0 || len(days) == 0 {
		return entries, nil
	}

	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	dayTimes := make([]time.Time, 0, len(days))
	for _, day := range days {
		dayTimes = append(dayTimes, day.Time())
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT account_id, day, fetched_at, record_count
FROM day_index
WHERE account_id = ANY($1) AND day = ANY($2)
`, accountIDs, dayTimes)
	metrics.ObserveNetworkRequest("postgres", "day_index_scan", "day_index", start, err)
	if err != nil {
		return nil, fmt.Errorf("скан индекса дней: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			accountID int64
			dayTime   time.Time
			entry     domain.DayEntry
		)
		if err := rows.Scan(&accountID, &dayTime, &entry.FetchedAt, &entry.Count); err != nil {
			return nil, fmt.Errorf("скан индексной записи: %w", err)
		}
		entry.FetchedAt = entry.FetchedAt.UTC()
		entries[domain.DayKey{AccountID: accountID, Day: domain.DayOf(dayTime)}] = entry
	}
	return entries, rows.Err()
}

// ListEnabled возвращает включённые аккаунты.
func (p *Postgres) ListEnabled(ctx context.Context) ([]domain.Account, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, provider, login, title, enabled, created_at
FROM accounts
WHERE enabled
ORDER BY id
`)
	metrics.ObserveNetworkRequest("postgres", "accounts_list", "accounts", start, err)
	if err != nil {
		return nil, fmt.Errorf("список аккаунтов: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// GetByID возвращает аккаунт по идентификатору.
func (p *Postgres) GetByID(ctx context.Context, id int64) (domain.Account, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, provider, login, title, enabled, created_at FROM accounts WHERE id = $1
`, id)
	account, err := scanAccount(row)
	metrics.ObserveNetworkRequest("postgres", "accounts_get", "accounts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("чтение аккаунта: %w", err)
	}
	return account, nil
}

// UpsertAccount создаёт аккаунт или обновляет его заголовок.
func (p *Postgres) UpsertAccount(ctx context.Context, account domain.Account) (domain.Account, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO accounts (provider, login, title, enabled, created_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (provider, login) DO UPDATE SET title = EXCLUDED.title, enabled = EXCLUDED.enabled
RETURNING id, provider, login, title, enabled, created_at
`, account.Provider, account.Login, account.Title, account.Enabled)
	saved, err := scanAccount(row)
	metrics.ObserveNetworkRequest("postgres", "accounts_upsert", "accounts", start, err)
	if err != nil {
		return domain.Account{}, fmt.Errorf("сохранение аккаунта: %w", err)
	}
	return saved, nil
}

// SetEnabled включает или выключает аккаунт.
func (p *Postgres) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE accounts SET enabled = $2 WHERE id = $1`, id, enabled)
	metrics.ObserveNetworkRequest("postgres", "accounts_set_enabled", "accounts", start, err)
	if err != nil {
		return fmt.Errorf("переключение аккаунта: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// LoadMTProtoSession читает сессию MTProto по имени.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "session_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение сессии: %w", err)
	}
	return data, nil
}

// StoreMTProtoSession сохраняет сессию MTProto.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, data)
	metrics.ObserveNetworkRequest("postgres", "session_store", "mtproto_sessions", start, err)
	if err != nil {
		return fmt.Errorf("сохранение сессии: %w", err)
	}
	return nil
}

func scanAccounts(rows pgx.Rows) ([]domain.Account, error) {
	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("скан аккаунта: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var account domain.Account
	err := row.Scan(&account.ID, &account.Provider, &account.Login, &account.Title, &account.Enabled, &account.CreatedAt)
	return account, err
}
