// Package app реализует верхний уровень управления жизненным циклом клиента.
// Файл runner.go — точка оркестрации: здесь запускаются сервисы в правильном
// порядке, выполняется авторизация, стартует менеджер обновлений, и
// организуется корректный graceful shutdown. Цикл движка гасится последним,
// чтобы финальный снапшот состояния попал на диск после остановки остальных
// подсистем.
package app

import (
	"context"
	"sync"

	"quickreply-sync/internal/adapters/cli"
	tgauth "quickreply-sync/internal/adapters/telegram/auth"
	"quickreply-sync/internal/domain/quickreply"
	"quickreply-sync/internal/infra/config"
	"quickreply-sync/internal/infra/kvstore"
	"quickreply-sync/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// Runner инкапсулирует сценарий запуска и остановки Telegram‑клиента и связанных подсистем.
// Отвечает за:
//   - авторизацию и идентификацию текущего пользователя (self),
//   - линейный запуск сервисов в правильном порядке,
//   - корректное завершение: сначала гасятся апдейты и CLI, затем цикл движка
//     (он дообрабатывает поставленные задачи и сливает отложенный персист),
//   - интеграцию с CLI.
type Runner struct {
	client        *telegram.Client   // Обёртка над MTProto‑клиентом и API: логин, Self(), API-интерфейс.
	engine        *quickreply.Engine // Движок синхронизации быстрых ответов.
	kv            *kvstore.Store     // Хранилище снапшота движка; закрывается после остановки цикла.
	events        *cli.EventLog      // Журнал событий движка для CLI.
	mainCtx       context.Context    // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel    context.CancelFunc // Функция, инициирующая общий shutdown (используется из узлов).
	cliService    *cli.Service       // CLI сервис для интерактивных команд.
	engineWG      sync.WaitGroup     // WaitGroup для цикла движка.
	engineCancel  context.CancelFunc // Функция отмены контекста цикла движка.
	updatesWG     sync.WaitGroup     // WaitGroup для updates_manager.
	updatesCancel context.CancelFunc // Функция отмены контекста для updates_manager.
}

// NewRunner подготавливает Runner с переданными зависимостями: клиент, движок,
// его хранилище и журнал событий. Возвращает объект, готовый к запуску Run().
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	client *telegram.Client,
	engine *quickreply.Engine,
	kv *kvstore.Store,
	events *cli.EventLog,
) *Runner {
	return &Runner{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		client:     client,
		engine:     engine,
		kv:         kv,
		events:     events,
	}
}

// Run — главный цикл клиента. Выполняет логин, сборку и запуск узлов, стартует
// updates.Manager и управляет корректным завершением. Блокируется до завершения
// клиентского контекста. Важно: используется отдельный контекст для
// MTProto‑движка, чтобы дать шанс движку синхронизации дообработать задачи и
// записать снапшот до гашения сетевого уровня.
func (r *Runner) Run(waiter *floodwait.Waiter, updmgr *tgupdates.Manager) error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	// Запускаем отслеживание сигналов сразу, чтобы Ctrl+C работал во время инициализации
	var shutdownWG sync.WaitGroup

	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		clientCancel()
	})

	return waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.client.Run(ctx, func(ctx context.Context) error {
			logger.Info("Quick reply client running...")

			self, loginErr := r.loginSelf(ctx)
			if loginErr != nil {
				return loginErr
			}

			if err := r.startAllServices(ctx, updmgr, self.ID); err != nil {
				r.stopAllServices()
				return err
			}

			<-ctx.Done()
			shutdownWG.Wait()
			return ctx.Err()
		})
	})
}

func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	// Готовим интерактивный сценарий
	flow := auth.NewFlow(
		tgauth.TerminalAuthenticator{PhoneNumber: config.Env().PhoneNumber},
		auth.SendCodeOptions{},
	)

	if err := r.client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, errors.Wrap(err, "auth")
	}

	self, err := r.client.Self(ctx)
	if err != nil {
		return nil, err
	}
	logger.Logger().Info("Logged in as:",
		zap.String("FirstName", self.FirstName),
		zap.String("LastName", self.LastName),
		zap.String("Username", self.Username),
		zap.Int64("ID", self.ID),
	)
	return self, nil
}

func (r *Runner) startAllServices(ctx context.Context, updmgr *tgupdates.Manager, selfID int64) error {
	// quick_reply_engine: цикл живёт на собственном контексте, чтобы отмена
	// клиентского не оборвала дообработку задач при shutdown.
	logger.Debug("starting service quick_reply_engine")
	engineCtx, engineCancel := context.WithCancel(context.Background())
	r.engineCancel = engineCancel
	r.engineWG.Go(func() {
		if err := r.engine.Run(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("quick reply engine: %v", err)
		}
	})
	logger.Debug("service quick_reply_engine started")

	// Восстановление персистентного состояния до любых сетевых операций.
	logger.Debug("loading quick reply state")
	if err := r.engine.Load(ctx); err != nil {
		return errors.Wrap(err, "load quick reply state")
	}
	logger.Debug("quick reply state loaded")

	// cli
	logger.Debug("starting service cli")
	r.cliService = cli.NewService(r.engine, r.events, r.mainCancel)
	r.cliService.Start(ctx)
	logger.Debug("service cli started")

	// updates_manager
	logger.Debug("starting service updates_manager")
	// Создаем отдельный контекст для updates_manager, который можно отменить независимо
	updatesCtx, updatesCancel := context.WithCancel(ctx)
	r.updatesCancel = updatesCancel
	r.updatesWG.Go(func() {
		logger.Debug("updates_manager service: Run started")
		mgrErr := updmgr.Run(updatesCtx, r.client.API(), selfID, tgupdates.AuthOptions{
			Forget:  false,
			OnStart: r.handleUpdatesManagerStart,
		})
		if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
			logger.Errorf("updmgr.Run return: %v", mgrErr)
			r.mainCancel()
		}
		logger.Debugf("updates_manager service: Run finished (err=%v)", mgrErr)
	})
	logger.Debug("service updates_manager started")

	return nil
}

func (r *Runner) stopAllServices() {
	// Останавливаем в обратном порядке

	// updates_manager
	logger.Debug("stopping service updates_manager")
	if r.updatesCancel != nil {
		r.updatesCancel() // Отменяем контекст updates_manager
	}
	r.updatesWG.Wait() // Ждем завершения горутины
	logger.Debug("service updates_manager stopped")

	// cli
	if r.cliService != nil {
		logger.Debug("stopping service cli")
		r.cliService.Stop()
		logger.Debug("service cli stopped")
	}

	// quick_reply_engine: последним, чтобы финальный снапшот ушёл на диск.
	logger.Debug("stopping service quick_reply_engine")
	if r.engineCancel != nil {
		r.engineCancel()
	}
	r.engineWG.Wait()
	logger.Debug("service quick_reply_engine stopped")

	// Хранилище снапшота закрывается после остановки цикла движка.
	if r.kv != nil {
		if err := r.kv.Close(); err != nil {
			logger.Errorf("close shortcuts store: %v", err)
		}
	}
}

// handleUpdatesManagerStart вызывается updates.Manager при старте обработки
// апдейтов. Подписка на обновления готова, поэтому здесь запускается начальная
// синхронизация списка шорткатов: пропущенные за оффлайн изменения придут
// полным снапшотом, дальнейшие — push-апдейтами.
func (r *Runner) handleUpdatesManagerStart(ctx context.Context) {
	logger.Debug("Updates manager started")
	go func() {
		if err := r.engine.SyncFromServer(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warnf("initial shortcut sync failed: %v", err)
		}
	}()
}
