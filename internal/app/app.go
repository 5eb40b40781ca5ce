// Package app — верхний уровень сборки и инициализации клиента быстрых ответов.
// Здесь связываются конфигурация, сетевой слой (gotd/telegram), диспетчер
// апдейтов, движок синхронизации и инфраструктурные сервисы. Отсюда стартует
// цикл обработки событий и обеспечивается корректный shutdown.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quickreply-sync/internal/adapters/cli"
	"quickreply-sync/internal/adapters/telegram/qrtransport"
	"quickreply-sync/internal/adapters/telegram/session"
	"quickreply-sync/internal/domain/quickreply"
	"quickreply-sync/internal/infra/config"
	"quickreply-sync/internal/infra/kvstore"
	"quickreply-sync/internal/infra/logger"
	"quickreply-sync/internal/infra/storage"
	"quickreply-sync/internal/support/version"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
)

// lazyUpdateHandler — это обёртка, которая позволяет отложить установку
// реального обработчика апдейтов, разрывая цикл инициализации.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// App агрегирует зависимости клиента быстрых ответов и управляет их связью.
// Отвечает за:
//   - конфигурацию и телеграм‑клиента (авторизация, API),
//   - движок синхронизации и его персистентное хранилище,
//   - маршрутизацию push-апдейтов о быстрых ответах в движок,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	mainCtx    context.Context      // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc   // Инициирует отмену mainCtx.
	engine     *quickreply.Engine   // Движок синхронизации быстрых ответов.
	kv         *kvstore.Store       // Персистентное хранилище снапшота движка.
	events     *cli.EventLog        // Приёмник событий движка для CLI.
	runner     *Runner              // Оркестратор жизненного цикла и CLI.
	updMgr     *tgupdates.Manager   // Менеджер апдейтов gotd: поток событий и локальное состояние.
	waiter     *floodwait.Waiter    // Middleware для обработки FLOOD_WAIT.
}

// NewApp создаёт каркас приложения. Фактическая инициализация выполняется в Run().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run запускает основной цикл приложения: инициализацию клиента, менеджера
// апдейтов, движка синхронизации и прочих сервисов, а затем стартует Runner,
// который оркестрирует жизненный цикл и корректное завершение работы.
// Блокируется до остановки приложения и возвращает ошибку, если что-то пошло не так.
func (a *App) Run() error {
	logger.Info("Quick reply client initializing...")

	dispatcher := tg.NewUpdateDispatcher()
	lazyHandler := &lazyUpdateHandler{}
	a.waiter = floodwait.NewWaiter()

	// 1) Опции MTProto‑клиента: сессии, хуки апдейтов и паспорт устройства.
	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: config.Env().SessionFile},
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			a.waiter,
			ratelimit.New(
				rate.Limit(config.Env().ThrottleRPS),
				config.Env().ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    version.Version,
		},
	}

	// Для тестовых окружений используем DC тестового стенда Telegram.
	if config.Env().TestDC {
		options.DCList = dcs.Test()
	}

	// Инициализация клиента gotd
	client := telegram.NewClient(config.Env().APIID, config.Env().APIHash, options)

	// Инициализация хранилища состояния апдейтов
	if err := storage.EnsureDir(config.Env().StateFile); err != nil {
		return fmt.Errorf("ensure state file dir: %w", err)
	}
	stateStorageBoltdb, err := bbolt.Open(config.Env().StateFile, storage.DefaultFilePerm, nil)
	if err != nil {
		return errors.Wrap(err, "create bolt storage")
	}
	stateStorage := boltstor.NewStateStorage(stateStorageBoltdb)

	// Инициализация менеджера апдейтов
	a.updMgr = tgupdates.New(tgupdates.Config{
		Handler: dispatcher,
		Storage: stateStorage,
	})

	// Устанавливаем реальный обработчик в lazyHandler
	lazyHandler.set(a.updMgr)

	// Персистентное хранилище движка
	kv, err := kvstore.Open(config.Env().ShortcutsDBFile)
	if err != nil {
		return fmt.Errorf("open shortcuts store: %w", err)
	}
	a.kv = kv

	// Движок синхронизации быстрых ответов поверх транспорта gotd.
	transport, up := qrtransport.New(client.API())
	a.events = cli.NewEventLog()
	engine, err := quickreply.New(quickreply.Options{
		Transport:              transport,
		Uploader:               up,
		Sink:                   a.events,
		KV:                     kv,
		MaxShortcuts:           config.Env().MaxShortcuts,
		MaxMessagesPerShortcut: config.Env().MaxShortcutMessages,
		PersistDebounce:        time.Duration(config.Env().PersistDebounceMS) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("init quick reply engine: %w", err)
	}
	a.engine = engine

	// Маршрутизация push-апдейтов о быстрых ответах в движок.
	qrtransport.NewUpdateHandler(engine).Register(dispatcher)

	// Конструируем Runner, который запустит цикл и обеспечит корректный shutdown.
	a.runner = NewRunner(a.mainCtx, a.mainCancel, client, engine, kv, a.events)

	return a.runner.Run(a.waiter, a.updMgr)
}
