package mtproto

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"pulseboard/internal/domain"
)

const historyPageSize = 100

// Страниц на запрос диапазона хватает на очень активные каналы;
// более глубокая история добирается следующими пакетами.
const maxHistoryPages = 10

// SessionStore хранит сессию MTProto между запусками.
type SessionStore interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}

// SessionDB адаптирует SessionStore под хранилище сессий gotd.
type SessionDB struct {
	store SessionStore
	name  string
}

// NewSessionDB создаёт хранилище сессии с указанным именем.
func NewSessionDB(store SessionStore, name string) *SessionDB {
	return &SessionDB{store: store, name: name}
}

// LoadSession загружает сессию.
func (s *SessionDB) LoadSession(ctx context.Context) ([]byte, error) {
	return s.store.LoadMTProtoSession(ctx, s.name)
}

// StoreSession сохраняет сессию.
func (s *SessionDB) StoreSession(ctx context.Context, data []byte) error {
	return s.store.StoreMTProtoSession(ctx, s.name, data)
}

// Fetcher выгружает сообщения Telegram-каналов через gotd.
// Логин аккаунта — публичный алиас канала.
type Fetcher struct {
	client *telegram.Client
	log    zerolog.Logger

	// Все Telegram-аккаунты делят одну MTProto-сессию, а client.Run
	// не допускает конкурентных вызовов на одном клиенте: выгрузки
	// каналов сериализуются.
	mu  sync.Mutex
	run func(ctx context.Context, fn func(context.Context) error) error
}

var _ domain.Fetcher = (*Fetcher)(nil)

// NewFetcher создаёт MTProto клиент поверх сохранённой сессии.
func NewFetcher(apiID int, apiHash string, storage telegram.SessionStorage, log zerolog.Logger) *Fetcher {
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
	return &Fetcher{client: client, log: log, run: client.Run}
}

// FetchRange собирает сообщения канала за [from, to).
func (f *Fetcher) FetchRange(ctx context.Context, account domain.Account, from, to domain.Day) ([]domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var records []domain.Record
	err := f.run(ctx, func(ctx context.Context) error {
		api := f.client.API()

		peer, err := f.resolveChannel(ctx, api, account.Login)
		if err != nil {
			return err
		}

		collected, err := f.collectHistory(ctx, api, peer, account, from.Time(), to.Time())
		if err != nil {
			return err
		}
		records = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("выгрузка канала %s: %w", account.Login, err)
	}
	return records, nil
}

func (f *Fetcher) resolveChannel(ctx context.Context, api *tg.Client, alias string) (tg.InputPeerClass, error) {
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: alias})
	if err != nil {
		return nil, fmt.Errorf("резолв канала: %w", err)
	}
	for _, chat := range resolved.Chats {
		if channel, ok := chat.(*tg.Channel); ok {
			return &tg.InputPeerChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}, nil
		}
	}
	return nil, fmt.Errorf("алиас %s не является каналом", alias)
}

func (f *Fetcher) collectHistory(ctx context.Context, api *tg.Client, peer tg.InputPeerClass, account domain.Account, fromTime, toTime time.Time) ([]domain.Record, error) {
	req := &tg.MessagesGetHistoryRequest{
		Peer:       peer,
		OffsetDate: int(toTime.Unix()),
		Limit:      historyPageSize,
	}

	var records []domain.Record
	for page := 0; page < maxHistoryPages; page++ {
		res, err := api.MessagesGetHistory(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("история канала: %w", err)
		}
		messages, err := extractMessages(res)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			break
		}

		reachedOlder := false
		for _, raw := range messages {
			msg, ok := raw.(*tg.Message)
			if !ok {
				continue
			}
			occurred := time.Unix(int64(msg.Date), 0).UTC()
			if occurred.Before(fromTime) {
				reachedOlder = true
				break
			}
			if !occurred.Before(toTime) {
				continue
			}
			records = append(records, messageRecord(account, msg, occurred))
		}
		if reachedOlder || len(messages) < historyPageSize {
			break
		}
		req.OffsetID = messages[len(messages)-1].GetID()
	}
	return records, nil
}

func extractMessages(res tg.MessagesMessagesClass) ([]tg.MessageClass, error) {
	switch m := res.(type) {
	case *tg.MessagesChannelMessages:
		return m.Messages, nil
	case *tg.MessagesMessagesSlice:
		return m.Messages, nil
	case *tg.MessagesMessages:
		return m.Messages, nil
	default:
		return nil, fmt.Errorf("неожиданный ответ истории: %T", res)
	}
}

func messageRecord(account domain.Account, msg *tg.Message, occurred time.Time) domain.Record {
	title := strings.TrimSpace(msg.Message)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	if len(title) > 120 {
		title = title[:120]
	}

	views, _ := msg.GetViews()
	forwards, _ := msg.GetForwards()
	meta, _ := json.Marshal(map[string]int{"views": views, "forwards": forwards})

	return domain.Record{
		ID:          fmt.Sprintf("telegram:%s:%d", account.Login, msg.ID),
		Kind:        "post",
		Title:       title,
		URL:         fmt.Sprintf("https://t.me/%s/%d", account.Login, msg.ID),
		OccurredAt:  occurred,
		RawMetaJSON: meta,
	}
}
