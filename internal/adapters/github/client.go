package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pulseboard/internal/domain"
	"pulseboard/internal/infra/metrics"
)

const defaultBaseURL = "https://api.github.com"

// API событий отдаёт максимум 300 событий по 100 на страницу.
const maxEventPages = 3

// Client выгружает публичные события пользователя GitHub.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

var _ domain.Fetcher = (*Client)(nil)

// NewClient создаёт клиента GitHub.
func NewClient(token, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}, baseURL: baseURL, token: token}
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Repo struct {
		Name string `json:"name"`
	} `json:"repo"`
	CreatedAt time.Time `json:"created_at"`
}

// FetchRange возвращает события аккаунта за [from, to). События приходят
// от новых к старым; страницы читаются, пока не выйдем за нижнюю границу.
func (c *Client) FetchRange(ctx context.Context, account domain.Account, from, to domain.Day) ([]domain.Record, error) {
	fromTime := from.Time()
	toTime := to.Time()

	var records []domain.Record
	for page := 1; page <= maxEventPages; page++ {
		events, err := c.listEvents(ctx, account.Login, page)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}

		reachedOlder := false
		for _, ev := range events {
			occurred := ev.CreatedAt.UTC()
			if occurred.Before(fromTime) {
				reachedOlder = true
				break
			}
			if !occurred.Before(toTime) {
				continue
			}
			meta, _ := json.Marshal(map[string]string{"repo": ev.Repo.Name})
			records = append(records, domain.Record{
				ID:          "github:" + ev.ID,
				Kind:        ev.Type,
				Title:       fmt.Sprintf("%s in %s", ev.Type, ev.Repo.Name),
				URL:         "https://github.com/" + ev.Repo.Name,
				OccurredAt:  occurred,
				RawMetaJSON: meta,
			})
		}
		if reachedOlder {
			break
		}
	}
	return records, nil
}

func (c *Client) listEvents(ctx context.Context, login string, page int) ([]event, error) {
	url := fmt.Sprintf("%s/users/%s/events?per_page=100&page=%d", c.baseURL, login, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("github", "list_events", login, start, err)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("github events: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var events []event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}
